package config

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"
)

// Setting is one leaf of the config as shown by "config list".
type Setting struct {
	Path   string
	Value  any
	Secret bool
}

// secretFields maps the dot path of every credential to its field in c.
func secretFields(c *Config) map[string]*string {
	return map[string]*string{
		"channels.lark.appSecret":         &c.Channels.Lark.AppSecret,
		"channels.lark.encryptKey":        &c.Channels.Lark.EncryptKey,
		"channels.lark.verificationToken": &c.Channels.Lark.VerificationToken,
		"channels.slack.botToken":         &c.Channels.Slack.BotToken,
		"channels.slack.appToken":         &c.Channels.Slack.AppToken,
		"channels.telegram.token":         &c.Channels.Telegram.Token,
		"channels.discord.token":          &c.Channels.Discord.Token,
	}
}

// IsSecretPath reports whether path names a credential.
func IsSecretPath(path string) bool {
	_, ok := secretFields(&Config{})[path]
	return ok
}

// GetByPath returns the value at a dot path such as "channels.lark.replyMode".
// A section path returns the whole section.
func GetByPath(cfg *Config, path string) (any, error) {
	v, err := lookup(cfg, path)
	if err != nil {
		return nil, err
	}
	return v.Interface(), nil
}

// SetByPath parses value according to the type of the field at path and
// stores it. The change is only applied when the resulting config validates.
// List fields take comma-separated values.
func SetByPath(cfg *Config, path, value string) error {
	next := *cfg
	v, err := lookup(&next, path)
	if err != nil {
		return err
	}
	if err := assign(v, value); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	if err := Validate(&next); err != nil {
		return err
	}
	*cfg = next
	return nil
}

// Sanitize returns a copy of the config with every credential masked.
func Sanitize(cfg *Config) *Config {
	c := *cfg
	for _, secret := range secretFields(&c) {
		*secret = maskString(*secret)
	}
	return &c
}

// maskString shows first 4 and last 4 chars, masks the rest. Empty stays empty.
func maskString(s string) string {
	if s == "" {
		return ""
	}
	if len(s) <= 8 {
		return "***"
	}
	return s[:4] + "****" + s[len(s)-4:]
}

// ListPaths returns every leaf setting in declaration order. Credentials are
// masked and flagged.
func ListPaths(cfg *Config) []Setting {
	var out []Setting
	collect("", reflect.ValueOf(Sanitize(cfg)).Elem(), &out)
	return out
}

func collect(prefix string, v reflect.Value, out *[]Setting) {
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		path := jsonName(t.Field(i))
		if prefix != "" {
			path = prefix + "." + path
		}
		f := v.Field(i)
		if f.Kind() == reflect.Struct {
			collect(path, f, out)
			continue
		}
		*out = append(*out, Setting{Path: path, Value: f.Interface(), Secret: IsSecretPath(path)})
	}
}

// lookup resolves a dot path to the field it names, matching json tags, so
// keys left out of the file by omitempty are still addressable.
func lookup(cfg *Config, path string) (reflect.Value, error) {
	if path == "" {
		return reflect.Value{}, fmt.Errorf("empty path")
	}
	v := reflect.ValueOf(cfg).Elem()
	for _, key := range strings.Split(path, ".") {
		if v.Kind() != reflect.Struct {
			return reflect.Value{}, fmt.Errorf("key not found: %s", path)
		}
		f, ok := fieldByTag(v, key)
		if !ok {
			return reflect.Value{}, fmt.Errorf("key not found: %s", path)
		}
		v = f
	}
	return v, nil
}

func fieldByTag(v reflect.Value, key string) (reflect.Value, bool) {
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		if jsonName(t.Field(i)) == key {
			return v.Field(i), true
		}
	}
	return reflect.Value{}, false
}

func jsonName(f reflect.StructField) string {
	name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
	if name == "" {
		return f.Name
	}
	return name
}

func assign(v reflect.Value, value string) error {
	switch v.Kind() {
	case reflect.String:
		v.SetString(value)
	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("want true or false, got %q", value)
		}
		v.SetBool(b)
	case reflect.Int:
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("want an integer, got %q", value)
		}
		v.SetInt(int64(n))
	case reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return fmt.Errorf("want a number, got %q", value)
		}
		v.SetFloat(f)
	case reflect.Slice:
		if v.Type().Elem().Kind() != reflect.String {
			return fmt.Errorf("unsupported list type %s", v.Type())
		}
		var items []string
		for _, item := range strings.Split(value, ",") {
			if item = strings.TrimSpace(item); item != "" {
				items = append(items, item)
			}
		}
		v.Set(reflect.ValueOf(items).Convert(v.Type()))
	case reflect.Struct:
		return fmt.Errorf("is a section, set one of its keys")
	default:
		return fmt.Errorf("unsupported type %s", v.Type())
	}
	return nil
}
