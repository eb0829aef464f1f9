package config

import (
	"os"
	"reflect"

	"gopkg.in/yaml.v3"
)

// mergeYAMLFile parses the YAML file at path into a scratch Config and
// merges only its non-zero fields onto cfg, matching the teacher's
// config.go mergeWith semantics: a file that only sets a few keys never
// clobbers the rest of the already-resolved configuration with zero
// values.
func mergeYAMLFile(cfg *Config, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var overlay Config
	if err := yaml.Unmarshal(raw, &overlay); err != nil {
		return err
	}
	mergeWith(cfg, &overlay)
	return nil
}

// mergeWith copies every non-zero field of src onto dst, recursing into
// the nested struct fields (SearchDefaults, ASR, Enrichments) so a file
// that only overrides one nested field doesn't zero out its siblings.
// Maps and slices are replaced wholesale when present in src, matching
// the teacher's mergeWith (it treats collection-typed fields as atomic
// overrides rather than deep-merging them).
func mergeWith(dst, src *Config) {
	mergeStruct(reflect.ValueOf(dst).Elem(), reflect.ValueOf(src).Elem())
}

func mergeStruct(dst, src reflect.Value) {
	for i := 0; i < src.NumField(); i++ {
		sf := src.Field(i)
		df := dst.Field(i)
		if !df.CanSet() {
			continue
		}
		switch sf.Kind() {
		case reflect.Struct:
			mergeStruct(df, sf)
		case reflect.Slice, reflect.Map:
			if !sf.IsNil() && sf.Len() > 0 {
				df.Set(sf)
			}
		default:
			if !sf.IsZero() {
				df.Set(sf)
			}
		}
	}
}

// MergeNewDefaults fills any zero-value field of cfg from defaults,
// used when loading a config file written by an older version of ragrun
// that predates a newly introduced field: the user's explicit choices
// (already merged into cfg) are left untouched, and only fields the old
// file could never have set are filled in.
func MergeNewDefaults(cfg *Config, defaults *Config) {
	mergeZeroFieldsFrom(reflect.ValueOf(cfg).Elem(), reflect.ValueOf(defaults).Elem())
}

func mergeZeroFieldsFrom(dst, src reflect.Value) {
	for i := 0; i < dst.NumField(); i++ {
		df := dst.Field(i)
		sf := src.Field(i)
		if !df.CanSet() {
			continue
		}
		switch df.Kind() {
		case reflect.Struct:
			mergeZeroFieldsFrom(df, sf)
		case reflect.Slice, reflect.Map:
			if df.IsNil() && !sf.IsNil() {
				df.Set(sf)
			}
		default:
			if df.IsZero() && !sf.IsZero() {
				df.Set(sf)
			}
		}
	}
}
