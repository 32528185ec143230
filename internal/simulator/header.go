package simulator

import (
	"regexp"
	"strconv"
	"strings"
	"unicode"
)

// matcher recognises a command header (without the trailing '?') and
// returns the channel number it carries, 0 when it carries none.
type matcher func(header string) (ch int, ok bool)

// node is one level of a SCPI command tree.
type node struct {
	long     string
	short    string
	optional bool
	suffix   bool
}

// tree compiles a SCPI header pattern such as
// "[SOURce#]:VOLTage[:LEVel][:IMMediate][:AMPLitude]". Upper-case letters
// form the short mnemonic, brackets mark optional nodes and '#' a numeric
// suffix that selects the channel.
func tree(pattern string) matcher {
	nodes := parsePattern(pattern)
	return func(header string) (int, bool) {
		header = strings.TrimPrefix(header, ":")
		if header == "" {
			return 0, false
		}
		ch := 0
		ok := matchNodes(nodes, strings.Split(header, ":"), &ch)
		return ch, ok
	}
}

func parsePattern(p string) []node {
	var nodes []node
	for i := 0; i < len(p); {
		switch p[i] {
		case ':':
			i++
		case '[':
			end := strings.IndexByte(p[i:], ']')
			nodes = append(nodes, newNode(strings.TrimPrefix(p[i+1:i+end], ":"), true))
			i += end + 1
		default:
			end := strings.IndexAny(p[i:], ":[")
			if end < 0 {
				end = len(p) - i
			}
			nodes = append(nodes, newNode(p[i:i+end], false))
			i += end
		}
	}
	return nodes
}

func newNode(seg string, optional bool) node {
	n := node{optional: optional}
	n.suffix = strings.HasSuffix(seg, "#")
	n.long = strings.ToUpper(strings.TrimSuffix(seg, "#"))
	raw := strings.TrimSuffix(seg, "#")
	short := strings.IndexFunc(raw, unicode.IsLower)
	if short < 0 {
		n.short = n.long
	} else {
		n.short = raw[:short]
	}
	return n
}

// accept matches one header token, returning its numeric suffix.
func (n node) accept(tok string) (int, bool) {
	tok = strings.ToUpper(tok)
	num := 0
	if n.suffix {
		i := len(tok)
		for i > 0 && tok[i-1] >= '0' && tok[i-1] <= '9' {
			i--
		}
		if i < len(tok) {
			v, err := strconv.Atoi(tok[i:])
			if err != nil || v == 0 {
				return 0, false
			}
			num = v
			tok = tok[:i]
		}
	}
	return num, tok == n.long || tok == n.short
}

func matchNodes(nodes []node, toks []string, ch *int) bool {
	if len(nodes) == 0 {
		return len(toks) == 0
	}
	n := nodes[0]
	if len(toks) > 0 {
		if num, ok := n.accept(toks[0]); ok && matchNodes(nodes[1:], toks[1:], ch) {
			if num > 0 {
				*ch = num
			}
			return true
		}
	}
	return n.optional && matchNodes(nodes[1:], toks, ch)
}

// exact matches a fixed header such as "*IDN", case-insensitively.
func exact(h string) matcher {
	return func(header string) (int, bool) {
		return 0, strings.EqualFold(header, h)
	}
}

// pattern matches a regular expression over the upper-cased header. A
// first submatch, when present, is the channel.
func pattern(expr string) matcher {
	re := regexp.MustCompile("^(?:" + expr + ")$")
	return func(header string) (int, bool) {
		m := re.FindStringSubmatch(strings.ToUpper(header))
		if m == nil {
			return 0, false
		}
		if len(m) > 1 {
			ch, err := strconv.Atoi(m[1])
			if err != nil || ch == 0 {
				return 0, false
			}
			return ch, true
		}
		return 0, true
	}
}
