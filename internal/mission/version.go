// File: internal/mission/version.go
// Description: Build version constants and the process-wide schema
// compatibility gate that runs once before the first mission.

package mission

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
)

// Version is the platform version this build speaks on the wire.
const Version = "0.37.0"

// SchemaVersion is the MAJOR.MINOR portion of Version; schema documents
// must declare the same value.
const SchemaVersion = "0.37"

// requiredSchemas are the schema documents every deployment must carry.
var requiredSchemas = []string{
	"Mission.xsd",
	"MissionInit.xsd",
	"MissionEnded.xsd",
	"MissionHandlers.xsd",
	"Types.xsd",
}

// schemaVersionRE finds the first version attribute after the xs:schema
// opening tag, skipping any jaxb:version attribute.
var schemaVersionRE = regexp.MustCompile(`<xs:schema[^>]*[^:]version="([0-9.]*)"`)

var (
	schemaCheckOnce sync.Once
	schemaCheckErr  error
)

// EnsureSchemasCompatible verifies, once per process, that every required
// schema under schemaDir declares this build's MAJOR.MINOR version. An
// empty schemaDir skips the check: document validation in this package is
// structural and does not need the schema files at runtime. The result is
// latched; later calls return the first outcome.
func EnsureSchemasCompatible(schemaDir string) error {
	schemaCheckOnce.Do(func() {
		schemaCheckErr = checkSchemaVersions(schemaDir)
	})
	return schemaCheckErr
}

func checkSchemaVersions(schemaDir string) error {
	if schemaDir == "" {
		return nil
	}
	for _, name := range requiredSchemas {
		declared, err := extractSchemaVersion(filepath.Join(schemaDir, name))
		if err != nil {
			return fmt.Errorf("schema %s: %w", name, err)
		}
		if declared != SchemaVersion {
			return fmt.Errorf("schema %s has the wrong version number - should be %s but we got %s",
				name, SchemaVersion, declared)
		}
	}
	return nil
}

// extractSchemaVersion pulls the declared version out of a schema file
// with a regex rather than a full XSD parse; the version attribute is all
// we need from the document.
func extractSchemaVersion(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	// Collapse newlines so a multi-line opening tag still matches.
	flat := strings.Join(strings.Fields(string(data)), " ")
	m := schemaVersionRE.FindStringSubmatch(flat)
	if len(m) < 2 || m[1] == "" {
		return "", fmt.Errorf("no version attribute found")
	}
	return m[1], nil
}
