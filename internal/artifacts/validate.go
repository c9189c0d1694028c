package artifacts

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/seqlab/champ/internal/models"
	"github.com/seqlab/champ/schemas"
)

// defaultPrinter is used to format schema validation error messages.
var defaultPrinter = message.NewPrinter(language.English)

// checkpointSchema is the compiled JSON Schema for checkpoint config files.
var checkpointSchema *jsonschema.Schema

func init() {
	checkpointSchema = mustCompileSchema(schemas.CheckpointSchemaJSON, "checkpoint.schema.json")
}

func mustCompileSchema(raw string, name string) *jsonschema.Schema {
	var schemaDoc any
	if err := json.Unmarshal([]byte(raw), &schemaDoc); err != nil {
		panic(fmt.Sprintf("failed to parse embedded %s: %v", name, err))
	}

	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(name, schemaDoc); err != nil {
		panic(fmt.Sprintf("failed to add %s resource: %v", name, err))
	}

	sch, err := compiler.Compile(name)
	if err != nil {
		panic(fmt.Sprintf("failed to compile %s: %v", name, err))
	}
	return sch
}

// checkpointConfigFile must exist in every complete checkpoint directory.
const checkpointConfigFile = "config.json"

// checkpointWeightFiles: at least one must exist alongside the config.
var checkpointWeightFiles = []string{"model.safetensors", "pytorch_model.bin"}

// Validate checks that path holds a complete artifact of the given kind.
// Strict additionally validates metadata content against the embedded schema.
// A nil return means valid.
func Validate(kind models.ArtifactKind, path string, strict bool) error {
	switch kind {
	case models.ArtifactCheckpoint:
		return validateCheckpoint(path, strict)
	case models.ArtifactMetadata:
		return requireFiles(path, "metadata.json")
	case models.ArtifactTokenizer:
		return validateTokenizer(path)
	default:
		// Unknown kinds only need a non-empty destination.
		entries, err := os.ReadDir(path)
		if err != nil {
			return fmt.Errorf("reading %s: %w", path, err)
		}
		if len(entries) == 0 {
			return fmt.Errorf("%s: empty destination", path)
		}
		return nil
	}
}

func validateCheckpoint(dir string, strict bool) error {
	if err := requireFiles(dir, checkpointConfigFile); err != nil {
		return err
	}

	hasWeights := false
	for _, w := range checkpointWeightFiles {
		if fileExists(filepath.Join(dir, w)) {
			hasWeights = true
			break
		}
	}
	if !hasWeights {
		return fmt.Errorf("%s: no weight file (wanted one of %v)", dir, checkpointWeightFiles)
	}

	if strict {
		return validateCheckpointConfig(filepath.Join(dir, checkpointConfigFile))
	}
	return nil
}

func validateTokenizer(dir string) error {
	if fileExists(filepath.Join(dir, "tokenizer.json")) || fileExists(filepath.Join(dir, "vocab.txt")) {
		return nil
	}
	return fmt.Errorf("%s: no tokenizer.json or vocab.txt", dir)
}

// validateCheckpointConfig parses config.json and validates it against the
// embedded checkpoint schema.
func validateCheckpointConfig(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading checkpoint config: %w", err)
	}

	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("parsing checkpoint config: %w", err)
	}

	if err := checkpointSchema.Validate(doc); err != nil {
		ve, ok := err.(*jsonschema.ValidationError)
		if !ok {
			return fmt.Errorf("checkpoint config invalid: %w", err)
		}
		var errs []string
		collectSchemaErrors(ve, &errs)
		return fmt.Errorf("checkpoint config invalid: %s", strings.Join(errs, "; "))
	}
	return nil
}

func collectSchemaErrors(ve *jsonschema.ValidationError, errs *[]string) {
	if len(ve.Causes) == 0 {
		loc := "/"
		if len(ve.InstanceLocation) > 0 {
			loc = "/" + strings.Join(ve.InstanceLocation, "/")
		}
		*errs = append(*errs, fmt.Sprintf("%s: %s", loc, ve.ErrorKind.LocalizedString(defaultPrinter)))
		return
	}
	for _, c := range ve.Causes {
		collectSchemaErrors(c, errs)
	}
}

// LocateCheckpoint finds the directory under root that validates as a
// complete checkpoint: root itself, then direct children, then one level
// deeper, then a full recursive walk. Returns the first match in
// deterministic (sorted) order, or "" when none validates.
func LocateCheckpoint(root string, strict bool) string {
	if validateCheckpoint(root, strict) == nil {
		return root
	}

	children := sortedSubdirs(root)
	for _, c := range children {
		if validateCheckpoint(c, strict) == nil {
			return c
		}
	}
	for _, c := range children {
		for _, gc := range sortedSubdirs(c) {
			if validateCheckpoint(gc, strict) == nil {
				return gc
			}
		}
	}

	var found string
	_ = filepath.WalkDir(root, func(p string, d os.DirEntry, err error) error {
		if err != nil || found != "" || !d.IsDir() {
			return nil
		}
		if validateCheckpoint(p, strict) == nil {
			found = p
			return filepath.SkipAll
		}
		return nil
	})
	return found
}

func sortedSubdirs(dir string) []string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	var dirs []string
	for _, e := range entries {
		if e.IsDir() {
			dirs = append(dirs, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(dirs)
	return dirs
}

func requireFiles(dir string, names ...string) error {
	for _, n := range names {
		if !fileExists(filepath.Join(dir, n)) {
			return fmt.Errorf("%s: required file %s missing", dir, n)
		}
	}
	return nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
