package cli

import "strings"

// route is a command path handled locally, with the named flags it accepts
// and the number of positionals it needs.
type route struct {
	path        []string
	flags       []string
	positionals int
}

var routes = []route{
	{path: []string{"sync"}, flags: []string{"--account", "--folder"}},
	{path: []string{"folder", "list"}, flags: []string{"--account"}},
	{path: []string{"message", "read"}, flags: []string{"--account", "--folder"}, positionals: 1},
	{path: []string{"message", "headers"}, flags: []string{"--account", "--folder"}, positionals: 1},
	{path: []string{"envelope", "list"}, flags: []string{"--account", "--folder"}},
	{path: []string{"archive"}, flags: []string{"--account", "--folder"}},
	{path: []string{"serve"}, flags: []string{"--addr"}},
}

// match finds the local route for args. Anything unmatched belongs to the
// agent.
func match(args []string) (route, bool) {
	for _, r := range routes {
		if len(args) < len(r.path) {
			continue
		}
		ok := true
		for i, word := range r.path {
			if args[i] != word {
				ok = false
				break
			}
		}
		if ok {
			return r, true
		}
	}
	return route{}, false
}

// scan reads named flags and positionals the way the agent's own callers
// write them. A known flag consumes the next token whatever it is. An unknown
// dash token also consumes the next non-dash token, but only while more
// non-dash tokens remain than the command still needs as positionals.
func scan(args []string, known []string, positionals int) (map[string]string, []string) {
	flags := map[string]string{}
	var rest []string

	for i := 0; i < len(args); {
		token := args[i]
		if !strings.HasPrefix(token, "-") {
			rest = append(rest, token)
			i++
			continue
		}

		if contains(known, token) {
			if i+1 < len(args) {
				flags[token] = args[i+1]
				i += 2
			} else {
				i++
			}
			continue
		}

		if countNonFlags(args[i+1:]) > positionals && i+1 < len(args) && !strings.HasPrefix(args[i+1], "-") {
			i += 2
			continue
		}
		i++
	}
	return flags, rest
}

// canonical rebuilds scanned arguments into a vector the command tree parses
// unambiguously.
func canonical(r route, args []string) []string {
	flags, rest := scan(args[len(r.path):], r.flags, r.positionals)

	out := append([]string{}, r.path...)
	for _, name := range r.flags {
		if value, ok := flags[name]; ok {
			out = append(out, name+"="+value)
		}
	}
	if len(rest) > 0 {
		out = append(out, "--")
		out = append(out, rest...)
	}
	return out
}

func countNonFlags(args []string) int {
	n := 0
	for _, a := range args {
		if !strings.HasPrefix(a, "-") {
			n++
		}
	}
	return n
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
