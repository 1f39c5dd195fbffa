package project

import (
	"fmt"
	"os"
	"strings"

	shellwords "github.com/mattn/go-shellwords"
)

// Expander resolves {placeholder} references against one concrete run of
// one environment. Expansion is a single pass; expanded values are never
// re-scanned, so there is no recursion to guard against.
type Expander struct {
	RootDir   string
	WorkDir   string
	EnvName   string
	EnvDir    string
	EnvTmpDir string

	PosArgs  []string
	Packages []string
	Opts     []string
	DistFile string

	// Lenient keeps unavailable values ({distfile} without packaging,
	// {env:VAR} without a value) as literal text instead of failing.
	// Unknown placeholder names are errors either way.
	Lenient bool

	// LookupEnv defaults to os.LookupEnv.
	LookupEnv func(string) (string, bool)

	installContext bool
}

// ForInstall returns a copy that accepts the install-only placeholders
// {opts} and {packages}.
func (x *Expander) ForInstall() *Expander {
	c := *x
	c.installContext = true
	return &c
}

type fragment struct {
	placeholder bool
	text        string
}

// scanFragments splits a value into literal runs and placeholder bodies.
// {{ and }} escape literal braces; a lone } is literal; an unmatched { is
// an error.
func scanFragments(s string) ([]fragment, error) {
	var frags []fragment
	var lit strings.Builder
	flush := func() {
		if lit.Len() > 0 {
			frags = append(frags, fragment{text: lit.String()})
			lit.Reset()
		}
	}
	for i := 0; i < len(s); {
		switch c := s[i]; c {
		case '{':
			if i+1 < len(s) && s[i+1] == '{' {
				lit.WriteByte('{')
				i += 2
				continue
			}
			end := strings.IndexByte(s[i+1:], '}')
			if end < 0 {
				return nil, fmt.Errorf("unterminated placeholder in %q", s)
			}
			flush()
			frags = append(frags, fragment{placeholder: true, text: s[i+1 : i+1+end]})
			i += end + 2
		case '}':
			lit.WriteByte('}')
			if i+1 < len(s) && s[i+1] == '}' {
				i += 2
			} else {
				i++
			}
		default:
			lit.WriteByte(c)
			i++
		}
	}
	flush()
	return frags, nil
}

// expansion is one evaluated placeholder. Exactly one mode applies:
// splice inserts words, inline inserts author text that still takes part
// in shell-word splitting, and otherwise text is an opaque value that must
// survive splitting untouched.
type expansion struct {
	words  []string
	splice bool
	inline bool
	text   string
}

func (x *Expander) lookup(name string) (string, bool) {
	if x.LookupEnv != nil {
		return x.LookupEnv(name)
	}
	return os.LookupEnv(name)
}

func (x *Expander) eval(body string) (expansion, error) {
	name, arg, hasArg := strings.Cut(body, ":")
	opaque := func(v string) (expansion, error) {
		if hasArg {
			return expansion{}, fmt.Errorf("placeholder {%s} takes no argument", name)
		}
		if v == "" {
			return expansion{}, fmt.Errorf("placeholder {%s} is not available here", name)
		}
		return expansion{text: v}, nil
	}

	switch name {
	case "rootdir":
		return opaque(x.RootDir)
	case "workdir":
		return opaque(x.WorkDir)
	case "envname":
		return opaque(x.EnvName)
	case "envdir":
		return opaque(x.EnvDir)
	case "envtmpdir":
		return opaque(x.EnvTmpDir)
	case "posargs":
		if len(x.PosArgs) > 0 {
			return expansion{words: x.PosArgs, splice: true}, nil
		}
		if hasArg {
			return expansion{inline: true, text: arg}, nil
		}
		return expansion{splice: true}, nil
	case "opts":
		if !x.installContext {
			return expansion{}, fmt.Errorf("placeholder {%s} is only valid in install_command", name)
		}
		return expansion{words: x.Opts, splice: true}, nil
	case "packages":
		if !x.installContext {
			return expansion{}, fmt.Errorf("placeholder {%s} is only valid in install_command", name)
		}
		return expansion{words: x.Packages, splice: true}, nil
	case "distfile":
		if x.DistFile != "" {
			return expansion{text: x.DistFile}, nil
		}
		if x.Lenient {
			return expansion{text: "{distfile}"}, nil
		}
		return expansion{}, fmt.Errorf("{distfile} referenced but no packaging artifact exists")
	case "env":
		if !hasArg || arg == "" {
			return expansion{}, fmt.Errorf("{env:...} requires a variable name")
		}
		varName, def, hasDef := strings.Cut(arg, ":")
		if v, ok := x.lookup(varName); ok {
			return expansion{text: v}, nil
		}
		if hasDef {
			return expansion{inline: true, text: def}, nil
		}
		if x.Lenient {
			return expansion{text: "{env:" + arg + "}"}, nil
		}
		return expansion{}, fmt.Errorf("environment variable %q is not set and has no default", varName)
	default:
		return expansion{}, fmt.Errorf("unknown placeholder {%s}", name)
	}
}

// Expand substitutes placeholders in a plain value. Word-producing
// placeholders join with single spaces.
func (x *Expander) Expand(s string) (string, error) {
	frags, err := scanFragments(s)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	for _, f := range frags {
		if !f.placeholder {
			b.WriteString(f.text)
			continue
		}
		e, err := x.eval(f.text)
		if err != nil {
			return "", fmt.Errorf("in %q: %w", s, err)
		}
		if e.splice {
			b.WriteString(strings.Join(e.words, " "))
		} else {
			b.WriteString(e.text)
		}
	}
	return b.String(), nil
}

// ExpandCommand substitutes placeholders in a command line and splits the
// result into argv words. Substitution happens before splitting, so author
// text (literals, posargs defaults) is split normally while runtime values
// (paths, variable contents) stay one word even when they contain spaces.
// A word that is exactly a spliced placeholder contributes each of its
// words; an embedded splice joins with spaces.
func (x *Expander) ExpandCommand(line string) ([]string, error) {
	frags, err := scanFragments(line)
	if err != nil {
		return nil, err
	}

	// Opaque and spliced values ride through shell splitting as NUL-framed
	// tokens, then substitute back in.
	var b strings.Builder
	type repl struct {
		words  []string
		splice bool
		text   string
	}
	repls := make(map[string]repl)
	for _, f := range frags {
		if !f.placeholder {
			b.WriteString(f.text)
			continue
		}
		e, err := x.eval(f.text)
		if err != nil {
			return nil, fmt.Errorf("in command %q: %w", line, err)
		}
		if e.inline {
			b.WriteString(e.text)
			continue
		}
		token := fmt.Sprintf("\x00%d\x00", len(repls))
		repls[token] = repl{words: e.words, splice: e.splice, text: e.text}
		b.WriteString(token)
	}

	words, err := shellwords.Parse(b.String())
	if err != nil {
		return nil, fmt.Errorf("failed to split command %q: %w", line, err)
	}

	var argv []string
	for _, word := range words {
		if r, ok := repls[word]; ok && r.splice {
			argv = append(argv, r.words...)
			continue
		}
		for token, r := range repls {
			if !strings.Contains(word, token) {
				continue
			}
			v := r.text
			if r.splice {
				v = strings.Join(r.words, " ")
			}
			word = strings.ReplaceAll(word, token, v)
		}
		argv = append(argv, word)
	}
	return argv, nil
}
