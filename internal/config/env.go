package config

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"
)

var durationType = reflect.TypeOf(time.Duration(0))

// ApplyEnv overrides config fields from environment variables named
// JOBSERVICE_<SECTION>_<KEY>, where section and key are the upper-cased
// toml names, e.g. JOBSERVICE_DATABASE_DSN or JOBSERVICE_SCHEDULER_LOOP_INTERVAL.
// Durations use time.ParseDuration syntax.
func ApplyEnv(config *Config, lookup func(string) (string, bool)) error {
	root := reflect.ValueOf(config).Elem()

	for i := 0; i < root.NumField(); i++ {
		section := tomlName(root.Type().Field(i))
		if section == "" {
			continue
		}

		sv := root.Field(i)
		for j := 0; j < sv.NumField(); j++ {
			key := tomlName(sv.Type().Field(j))
			if key == "" {
				continue
			}

			name := EnvPrefix + "_" + strings.ToUpper(section) + "_" + strings.ToUpper(key)
			raw, ok := lookup(name)
			if !ok {
				continue
			}
			if err := setField(sv.Field(j), raw); err != nil {
				return fmt.Errorf("invalid %s: %w", name, err)
			}
		}
	}

	return nil
}

func tomlName(f reflect.StructField) string {
	tag := f.Tag.Get("toml")
	name, _, _ := strings.Cut(tag, ",")
	if name == "-" {
		return ""
	}
	return name
}

func setField(v reflect.Value, raw string) error {
	raw = strings.TrimSpace(raw)

	if v.Type() == durationType {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return err
		}
		v.SetInt(int64(d))
		return nil
	}

	switch v.Kind() {
	case reflect.String:
		v.SetString(raw)
	case reflect.Bool:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return err
		}
		v.SetBool(b)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, err := strconv.ParseInt(raw, 10, v.Type().Bits())
		if err != nil {
			return err
		}
		v.SetInt(n)
	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(raw, v.Type().Bits())
		if err != nil {
			return err
		}
		v.SetFloat(f)
	default:
		return fmt.Errorf("unsupported field type %s", v.Type())
	}
	return nil
}
