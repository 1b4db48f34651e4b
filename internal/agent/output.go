package agent

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
	"gopkg.in/yaml.v3"

	"github.com/Iron-Ham/conductor/internal/errors"
)

// ErrNoStructuredOutput is returned by Decode when the output holds no
// fenced json or yaml block and no bare JSON object.
var ErrNoStructuredOutput = fmt.Errorf("%w: no structured block", errors.ErrMalformedOutput)

// Block is a fenced code block found in agent output.
type Block struct {
	Lang    string
	Content string
}

var markdown = goldmark.New()

// ExtractBlocks returns the fenced code blocks of a markdown document in
// document order.
func ExtractBlocks(output string) []Block {
	src := []byte(output)
	doc := markdown.Parser().Parse(text.NewReader(src))

	var blocks []Block
	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		fcb, ok := n.(*ast.FencedCodeBlock)
		if !ok {
			return ast.WalkContinue, nil
		}
		var buf bytes.Buffer
		lines := fcb.Lines()
		for i := 0; i < lines.Len(); i++ {
			seg := lines.At(i)
			buf.Write(seg.Value(src))
		}
		blocks = append(blocks, Block{
			Lang:    strings.ToLower(string(fcb.Language(src))),
			Content: buf.String(),
		})
		return ast.WalkSkipChildren, nil
	})
	return blocks
}

// Decode fills v from the last structured block of output. Fenced json
// and yaml (or yml) blocks are tried from last to first; untagged blocks
// are tried as JSON. Without any usable block the outermost brace-delimited
// span of output is tried as JSON.
func Decode(output string, v any) error {
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Pointer || rv.IsNil() {
		return fmt.Errorf("decode target must be a non-nil pointer, got %T", v)
	}
	// Each candidate decodes into a fresh value so a block that fails
	// halfway leaves nothing behind in v.
	try := func(decode func(any) error) error {
		fresh := reflect.New(rv.Elem().Type())
		if err := decode(fresh.Interface()); err != nil {
			return err
		}
		rv.Elem().Set(fresh.Elem())
		return nil
	}

	blocks := ExtractBlocks(output)

	var lastErr error
	for i := len(blocks) - 1; i >= 0; i-- {
		content := []byte(blocks[i].Content)
		var err error
		switch blocks[i].Lang {
		case "json", "":
			err = try(func(dst any) error { return json.Unmarshal(content, dst) })
		case "yaml", "yml":
			err = try(func(dst any) error { return decodeYAML(content, dst) })
		default:
			continue
		}
		if err == nil {
			return nil
		}
		lastErr = err
	}

	start := strings.Index(output, "{")
	end := strings.LastIndex(output, "}")
	if len(blocks) == 0 && start != -1 && end > start {
		bare := []byte(output[start : end+1])
		err := try(func(dst any) error { return json.Unmarshal(bare, dst) })
		if err == nil {
			return nil
		}
		lastErr = err
	}

	if lastErr != nil {
		return fmt.Errorf("%w: %v", errors.ErrMalformedOutput, lastErr)
	}
	return ErrNoStructuredOutput
}

// decodeYAML decodes a YAML document into v using v's JSON field names.
func decodeYAML(data []byte, v any) error {
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return err
	}
	if raw == nil {
		return fmt.Errorf("empty yaml document")
	}
	j, err := json.Marshal(raw)
	if err != nil {
		return err
	}
	return json.Unmarshal(j, v)
}
