package sqlcore

import (
	"fmt"
	"strconv"
	"strings"
)

// RenderTemplate renders a Jinja-style template over a JSON-like data tree.
//
// Supported syntax, matching the DDL template files shipped under
// templates/sql:
//
//	{{ path.to.value }}
//	{% for item in list %} ... {% endfor %}   (with loop.is_last, loop.index)
//	{% if cond %} ... {% endif %}             (cond: paths, not, and, existsIn(x, "key"))
//
// Rendering is a pure function of (template, data): identical inputs produce
// byte-identical output.
func RenderTemplate(src string, data map[string]interface{}) (string, error) {
	nodes, rest, err := parseNodes(src, "")
	if err != nil {
		return "", err
	}
	if rest != "" {
		return "", fmt.Errorf("unbalanced closing tag in template")
	}
	var out strings.Builder
	if err := renderNodes(&out, nodes, data); err != nil {
		return "", err
	}
	return out.String(), nil
}

type tmplNode interface{}

type textNode string

type varNode struct {
	expr string
}

type forNode struct {
	varName string
	listRef string
	body    []tmplNode
}

type ifNode struct {
	cond string
	body []tmplNode
}

// parseNodes parses until the closing tag named by until ("endfor"/"endif")
// or, when until is empty, the end of input. It returns the parsed nodes and
// the input remaining after the closing tag.
func parseNodes(src, until string) ([]tmplNode, string, error) {
	var nodes []tmplNode
	for len(src) > 0 {
		varPos := strings.Index(src, "{{")
		tagPos := strings.Index(src, "{%")

		if varPos == -1 && tagPos == -1 {
			nodes = append(nodes, textNode(src))
			src = ""
			break
		}

		pos := varPos
		isTag := false
		if varPos == -1 || (tagPos != -1 && tagPos < varPos) {
			pos = tagPos
			isTag = true
		}

		if pos > 0 {
			nodes = append(nodes, textNode(src[:pos]))
		}
		src = src[pos:]

		if !isTag {
			end := strings.Index(src, "}}")
			if end == -1 {
				return nil, "", fmt.Errorf("unterminated {{ expression")
			}
			nodes = append(nodes, varNode{expr: strings.TrimSpace(src[2:end])})
			src = src[end+2:]
			continue
		}

		end := strings.Index(src, "%}")
		if end == -1 {
			return nil, "", fmt.Errorf("unterminated {%% tag")
		}
		tag := strings.TrimSpace(src[2:end])
		src = src[end+2:]

		switch {
		case tag == "endfor" || tag == "endif":
			if tag != until {
				return nil, "", fmt.Errorf("unexpected {%% %s %%}", tag)
			}
			return nodes, src, nil

		case strings.HasPrefix(tag, "for "):
			parts := strings.Fields(tag)
			if len(parts) != 4 || parts[2] != "in" {
				return nil, "", fmt.Errorf("malformed for tag: %q", tag)
			}
			body, rest, err := parseNodes(src, "endfor")
			if err != nil {
				return nil, "", err
			}
			src = rest
			nodes = append(nodes, forNode{varName: parts[1], listRef: parts[3], body: body})

		case strings.HasPrefix(tag, "if "):
			body, rest, err := parseNodes(src, "endif")
			if err != nil {
				return nil, "", err
			}
			src = rest
			nodes = append(nodes, ifNode{cond: strings.TrimSpace(tag[3:]), body: body})

		default:
			return nil, "", fmt.Errorf("unknown template tag: %q", tag)
		}
	}
	if until != "" {
		return nil, "", fmt.Errorf("missing closing tag {%% %s %%}", until)
	}
	return nodes, "", nil
}

func renderNodes(out *strings.Builder, nodes []tmplNode, ctx map[string]interface{}) error {
	for _, node := range nodes {
		switch v := node.(type) {
		case textNode:
			out.WriteString(string(v))

		case varNode:
			out.WriteString(formatValue(resolvePath(ctx, v.expr)))

		case forNode:
			items := toSlice(resolvePath(ctx, v.listRef))
			for i, item := range items {
				child := make(map[string]interface{}, len(ctx)+2)
				for k, val := range ctx {
					child[k] = val
				}
				child[v.varName] = item
				child["loop"] = map[string]interface{}{
					"index":    i + 1,
					"is_first": i == 0,
					"is_last":  i == len(items)-1,
				}
				if err := renderNodes(out, v.body, child); err != nil {
					return err
				}
			}

		case ifNode:
			ok, err := evalCondition(v.cond, ctx)
			if err != nil {
				return err
			}
			if ok {
				if err := renderNodes(out, v.body, ctx); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// evalCondition evaluates "term and term and ..." where each term is an
// optionally negated path or existsIn(path, "key") call.
func evalCondition(cond string, ctx map[string]interface{}) (bool, error) {
	for _, term := range strings.Split(cond, " and ") {
		term = strings.TrimSpace(term)
		negate := false
		for strings.HasPrefix(term, "not ") {
			negate = !negate
			term = strings.TrimSpace(term[4:])
		}

		var value interface{}
		if strings.HasPrefix(term, "existsIn(") && strings.HasSuffix(term, ")") {
			inner := term[len("existsIn(") : len(term)-1]
			parts := strings.SplitN(inner, ",", 2)
			if len(parts) != 2 {
				return false, fmt.Errorf("malformed existsIn: %q", term)
			}
			target := resolvePath(ctx, strings.TrimSpace(parts[0]))
			key := strings.Trim(strings.TrimSpace(parts[1]), `"'`)
			m, ok := target.(map[string]interface{})
			value = ok && hasKey(m, key)
		} else {
			value = resolvePath(ctx, term)
		}

		if truthy(value) == negate {
			return false, nil
		}
	}
	return true, nil
}

func hasKey(m map[string]interface{}, key string) bool {
	_, ok := m[key]
	return ok
}

func resolvePath(ctx map[string]interface{}, path string) interface{} {
	var current interface{} = ctx
	for _, part := range strings.Split(path, ".") {
		m, ok := current.(map[string]interface{})
		if !ok {
			return nil
		}
		current, ok = m[part]
		if !ok {
			return nil
		}
	}
	return current
}

func toSlice(v interface{}) []interface{} {
	switch items := v.(type) {
	case []interface{}:
		return items
	case []string:
		out := make([]interface{}, len(items))
		for i, s := range items {
			out[i] = s
		}
		return out
	case []map[string]interface{}:
		out := make([]interface{}, len(items))
		for i, m := range items {
			out[i] = m
		}
		return out
	}
	return nil
}

func truthy(v interface{}) bool {
	switch val := v.(type) {
	case nil:
		return false
	case bool:
		return val
	case string:
		return val != ""
	case int:
		return val != 0
	case int64:
		return val != 0
	case float64:
		return val != 0
	}
	return true
}

func formatValue(v interface{}) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case bool:
		if val {
			return "true"
		}
		return "false"
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	}
	return fmt.Sprintf("%v", v)
}
