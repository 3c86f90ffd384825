package terminal

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/go-delve/vmi/pkg/config"
)

func configureCmd(t *Term, ctx callContext, args string) error {
	switch args {
	case "-list":
		return config.ConfigureList(t.stdout, t.conf, "yaml")
	case "-save":
		return config.SaveConfig(t.conf)
	case "":
		return fmt.Errorf("wrong number of arguments to \"config\"")
	default:
		if err := configureSet(t, args); err != nil {
			return err
		}
		t.applyConfig()
		return nil
	}
}

// applyConfig propagates the options that can change during a session.
// Cache sizes only apply to new sessions.
func (t *Term) applyConfig() {
	t.sess.SetMaxStringLength(t.conf.StringLimit())
	t.sess.Limits.MaxHops = t.conf.IterHops()
	t.sess.Limits.MaxErrors = t.conf.IterErrors()
}

// findField returns the field of the configuration named cfgname, names
// of nested fields are joined with a dot.
func findField(conf *config.Config, cfgname string) reflect.Value {
	parent, name := "", cfgname
	if dot := strings.Index(cfgname, "."); dot >= 0 {
		parent, name = cfgname[:dot], cfgname[dot+1:]
	}
	if parent == "" {
		return config.ConfigureFindFieldByName(conf, name, "yaml")
	}
	field := config.ConfigureFindFieldByName(conf, parent, "yaml")
	if !field.IsValid() || field.Kind() != reflect.Struct || !field.CanAddr() {
		return reflect.ValueOf(nil)
	}
	return config.ConfigureFindFieldByName(field.Addr().Interface(), name, "yaml")
}

func configureSet(t *Term, args string) error {
	v := config.Split2PartsBySpace(args)

	cfgname := v[0]
	var rest string
	if len(v) == 2 {
		rest = v[1]
	}

	if cfgname == "alias" {
		return configureSetAlias(t, rest)
	}
	if len(v) == 1 {
		if out := config.ConfigureListByName(t.conf, cfgname, "yaml"); out != "" {
			fmt.Fprint(t.stdout, out)
			return nil
		}
	}

	field := findField(t.conf, cfgname)
	if !field.IsValid() || !field.CanAddr() {
		return fmt.Errorf("%q is not a configuration parameter", cfgname)
	}

	if cfgname == "disassemble-flavor" {
		switch rest {
		case "intel", "gnu", "att":
		default:
			return fmt.Errorf("argument to %q must be one of intel or gnu", cfgname)
		}
	}

	return config.ConfigureSetSimple(rest, cfgname, field)
}

func configureSetAlias(t *Term, rest string) error {
	argv, err := config.SplitQuotedFields(rest, '"')
	if err != nil {
		return err
	}
	switch len(argv) {
	case 1: // delete alias rule
		for k := range t.conf.Aliases {
			v := t.conf.Aliases[k]
			for i := range v {
				if v[i] == argv[0] {
					copy(v[i:], v[i+1:])
					t.conf.Aliases[k] = v[:len(v)-1]
					break
				}
			}
		}
	case 2: // add alias rule
		alias, cmd := argv[1], argv[0]
		if t.conf.Aliases == nil {
			t.conf.Aliases = make(map[string][]string)
		}
		t.conf.Aliases[cmd] = append(t.conf.Aliases[cmd], alias)
	default:
		return fmt.Errorf("wrong number of arguments to \"config alias\"")
	}
	t.cmds.Merge(t.conf.Aliases)
	return nil
}
