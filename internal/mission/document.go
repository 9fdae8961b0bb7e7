// File: internal/mission/document.go
package mission

import (
	"fmt"

	"github.com/beevik/etree"
)

// RootElementName parses a document just far enough to identify it for
// dispatch. Returns "" with a nil error for a document with no root
// element.
func RootElementName(xml string) (string, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromString(xml); err != nil {
		return "", fmt.Errorf("invalid XML: %w", err)
	}
	root := doc.Root()
	if root == nil {
		return "", nil
	}
	return root.Tag, nil
}
