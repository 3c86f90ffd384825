package config

import (
	"fmt"
	"io"
	"reflect"
	"strconv"
	"strings"
	"text/tabwriter"
)

// ConfigureIterator walks the fields of a configuration struct, naming
// them after a struct tag.
type ConfigureIterator struct {
	cfgValue reflect.Value
	cfgType  reflect.Type
	i        int
	tag      string
}

// IterateConfiguration returns an iterator over the fields of the struct
// pointed to by conf. Field names are read from tag.
func IterateConfiguration(conf interface{}, tag string) *ConfigureIterator {
	cfgValue := reflect.ValueOf(conf).Elem()
	cfgType := cfgValue.Type()

	return &ConfigureIterator{cfgValue, cfgType, -1, tag}
}

func (it *ConfigureIterator) Next() bool {
	it.i++
	return it.i < it.cfgValue.NumField()
}

func (it *ConfigureIterator) Field() (name string, field reflect.Value) {
	name = it.cfgType.Field(it.i).Tag.Get(it.tag)
	if comma := strings.Index(name, ","); comma >= 0 {
		name = name[:comma]
	}
	field = it.cfgValue.Field(it.i)
	return
}

// ConfigureFindFieldByName returns the field of conf whose tag is name.
func ConfigureFindFieldByName(conf interface{}, name, tag string) reflect.Value {
	it := IterateConfiguration(conf, tag)
	for it.Next() {
		fieldName, field := it.Field()
		if fieldName == name {
			return field
		}
	}
	return reflect.ValueOf(nil)
}

func formatField(fieldName string, field reflect.Value) string {
	switch {
	case field.Kind() == reflect.Ptr && field.IsNil():
		return fmt.Sprintf("%s\t<not defined>\n", fieldName)
	case field.Kind() == reflect.Ptr:
		return fmt.Sprintf("%s\t%v\n", fieldName, field.Elem())
	case field.Kind() == reflect.String:
		return fmt.Sprintf("%s\t%q\n", fieldName, field)
	}
	return fmt.Sprintf("%s\t%v\n", fieldName, field)
}

// ConfigureList writes every named field of conf to w.
func ConfigureList(w io.Writer, conf interface{}, tag string) error {
	tw := new(tabwriter.Writer)
	tw.Init(w, 0, 8, 1, ' ', 0)

	it := IterateConfiguration(conf, tag)
	for it.Next() {
		fieldName, field := it.Field()
		if fieldName == "" || fieldName == "-" {
			continue
		}
		if field.Kind() == reflect.Struct {
			sub := field.Type()
			for i := 0; i < sub.NumField(); i++ {
				subName := sub.Field(i).Tag.Get(tag)
				if comma := strings.Index(subName, ","); comma >= 0 {
					subName = subName[:comma]
				}
				fmt.Fprint(tw, formatField(fieldName+"."+subName, field.Field(i)))
			}
			continue
		}
		fmt.Fprint(tw, formatField(fieldName, field))
	}
	return tw.Flush()
}

// ConfigureListByName returns the formatted value of the field of conf
// named name, or the empty string if there is no such field.
func ConfigureListByName(conf interface{}, name, tag string) string {
	if name == "" {
		return ""
	}
	it := IterateConfiguration(conf, tag)
	for it.Next() {
		fieldName, field := it.Field()
		if fieldName == name {
			return formatField(fieldName, field)
		}
	}
	return ""
}

// ConfigureSetSimple parses rest into field, which must be an int, a
// bool, a string or a pointer to one of them.
func ConfigureSetSimple(rest string, cfgname string, field reflect.Value) error {
	simpleArg := func(typ reflect.Type) (reflect.Value, error) {
		switch typ.Kind() {
		case reflect.Int:
			n, err := strconv.Atoi(rest)
			if err != nil {
				return reflect.ValueOf(nil), fmt.Errorf("argument to %q must be a number", cfgname)
			}
			if n < 0 {
				return reflect.ValueOf(nil), fmt.Errorf("argument to %q must be a number greater than zero", cfgname)
			}
			return reflect.ValueOf(&n), nil
		case reflect.Bool:
			if rest != "true" && rest != "false" {
				return reflect.ValueOf(nil), fmt.Errorf("argument to %q must be true or false", cfgname)
			}
			v := rest == "true"
			return reflect.ValueOf(&v), nil
		case reflect.String:
			v := strings.Trim(rest, "\"")
			return reflect.ValueOf(&v), nil
		default:
			return reflect.ValueOf(nil), fmt.Errorf("unsupported type for configuration key %q", cfgname)
		}
	}

	if field.Kind() == reflect.Ptr {
		val, err := simpleArg(field.Type().Elem())
		if err != nil {
			return err
		}
		field.Set(val)
	} else {
		val, err := simpleArg(field.Type())
		if err != nil {
			return err
		}
		field.Set(val.Elem())
	}
	return nil
}
