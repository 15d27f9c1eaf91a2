package harness

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/flynn/go-shlex"
)

var placeholderRe = regexp.MustCompile(`\{[a-z_]+\}`)

// Command is a typed process invocation. It is executed directly, never
// through a shell.
type Command struct {
	Name string
	Args []string
	Dir  string
	Env  []string
}

func (c Command) String() string {
	return strings.Join(append([]string{c.Name}, c.Args...), " ")
}

// Vars are the placeholder values substituted into command templates.
type Vars map[string]string

// BuildCommand splits a command template into argv and substitutes {key}
// placeholders token by token, so substituted values can never introduce
// extra arguments.
func BuildCommand(template string, vars Vars) (Command, error) {
	tokens, err := shlex.Split(template)
	if err != nil {
		return Command{}, fmt.Errorf("parse command %q: %w", template, err)
	}
	if len(tokens) == 0 {
		return Command{}, fmt.Errorf("empty command template")
	}

	pairs := make([]string, 0, len(vars)*2)
	for k, v := range vars {
		pairs = append(pairs, "{"+k+"}", v)
	}
	r := strings.NewReplacer(pairs...)

	argv := make([]string, len(tokens))
	for i, tok := range tokens {
		argv[i] = r.Replace(tok)
		if m := placeholderRe.FindString(argv[i]); m != "" {
			return Command{}, fmt.Errorf("unresolved placeholder %s in %q", m, tok)
		}
	}
	return Command{Name: argv[0], Args: argv[1:]}, nil
}

// WithArgs returns a copy of c with extra arguments appended.
func (c Command) WithArgs(extra ...string) Command {
	args := make([]string, 0, len(c.Args)+len(extra))
	args = append(args, c.Args...)
	args = append(args, extra...)
	c.Args = args
	return c
}
