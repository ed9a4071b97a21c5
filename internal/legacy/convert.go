// Package legacy converts between the plain JSON document structure
// (the pre-collaboration content format, also used as the
// denormalized read mirror) and the mergeable tree. The read-side
// upgrade is one way: it never mutates the legacy field, and a
// malformed payload is a ConversionError, not a hard failure.
package legacy

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"coscribe/api/internal/crdt"
)

var ErrConversion = errors.New("legacy: malformed content")

// BlockNode is the tagged legacy tree: {type, attrs, content, text}.
type BlockNode struct {
	Type    string         `json:"type"`
	Attrs   map[string]any `json:"attrs,omitempty"`
	Content []BlockNode    `json:"content,omitempty"`
	Text    string         `json:"text,omitempty"`
}

// numericAttrs are attributes that editors have historically
// serialized as strings ("2" for a heading level). Normalize coerces
// them back to numbers before conversion.
var numericAttrs = map[string]struct{}{
	"level":   {},
	"start":   {},
	"indent":  {},
	"colspan": {},
	"rowspan": {},
	"width":   {},
}

// Parse decodes raw legacy content. Accepts either a single document
// object or a bare array of top-level blocks.
func Parse(raw []byte) (BlockNode, error) {
	if len(raw) == 0 {
		return BlockNode{}, fmt.Errorf("%w: empty payload", ErrConversion)
	}

	var root BlockNode
	if err := json.Unmarshal(raw, &root); err != nil {
		var blocks []BlockNode
		if arrErr := json.Unmarshal(raw, &blocks); arrErr != nil {
			return BlockNode{}, fmt.Errorf("%w: %v", ErrConversion, err)
		}
		root = BlockNode{Type: "doc", Content: blocks}
	}
	if root.Type == "" {
		root.Type = "doc"
	}
	return root, nil
}

// Normalize walks the tree and fixes type-coercion drift in place on
// the copy: numeric attributes serialized as strings become float64,
// matching what a fresh JSON decode of a well-formed document yields.
func Normalize(node BlockNode) BlockNode {
	if len(node.Attrs) > 0 {
		attrs := make(map[string]any, len(node.Attrs))
		for name, value := range node.Attrs {
			attrs[name] = normalizeAttr(name, value)
		}
		node.Attrs = attrs
	}
	if len(node.Content) > 0 {
		children := make([]BlockNode, len(node.Content))
		for i, child := range node.Content {
			children[i] = Normalize(child)
		}
		node.Content = children
	}
	return node
}

func normalizeAttr(name string, value any) any {
	if _, numeric := numericAttrs[name]; !numeric {
		return value
	}
	s, ok := value.(string)
	if !ok {
		return value
	}
	parsed, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return value
	}
	return parsed
}

// ToDoc builds a fresh mergeable document equivalent to the legacy
// content. Deterministic walk: the same input always yields an
// equivalent tree (node ids and clocks differ per replica).
func ToDoc(raw []byte) (*crdt.Doc, error) {
	root, err := Parse(raw)
	if err != nil {
		return nil, err
	}
	root = Normalize(root)

	doc := crdt.New()
	for i, child := range root.Content {
		if err := appendBlock(doc, crdt.RootID, i, child); err != nil {
			return nil, err
		}
	}
	// Document-level attrs live on the root node.
	for name, value := range root.Attrs {
		if err := doc.SetAttr(crdt.RootID, name, value); err != nil {
			return nil, err
		}
	}
	return doc, nil
}

func appendBlock(doc *crdt.Doc, parent crdt.NodeID, index int, block BlockNode) error {
	kind := block.Type
	if kind == "" {
		return fmt.Errorf("%w: node without type", ErrConversion)
	}
	id, err := doc.InsertNode(parent, index, kind)
	if err != nil {
		return fmt.Errorf("insert %s: %w", kind, err)
	}
	for name, value := range block.Attrs {
		if err := doc.SetAttr(id, name, value); err != nil {
			return fmt.Errorf("set attr %s: %w", name, err)
		}
	}
	if block.Text != "" {
		if err := doc.SetText(id, block.Text); err != nil {
			return fmt.Errorf("set text: %w", err)
		}
	}
	for i, child := range block.Content {
		if err := appendBlock(doc, id, i, child); err != nil {
			return err
		}
	}
	return nil
}

// FromTree renders a materialized tree back to the legacy JSON shape
// for the denormalized mirror.
func FromTree(tree *crdt.TreeNode) ([]byte, error) {
	if tree == nil {
		return nil, fmt.Errorf("%w: nil tree", ErrConversion)
	}
	out, err := json.Marshal(blockFromTree(tree))
	if err != nil {
		return nil, fmt.Errorf("encode mirror: %w", err)
	}
	return out, nil
}

func blockFromTree(node *crdt.TreeNode) BlockNode {
	block := BlockNode{Type: node.Kind, Attrs: node.Attrs, Text: node.Text}
	for _, child := range node.Children {
		block.Content = append(block.Content, blockFromTree(child))
	}
	return block
}
