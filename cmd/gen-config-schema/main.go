// gen-config-schema emits the JSON schema of the project configuration
// documents, one schema per file type, for editor integration and docs.
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/invopop/jsonschema"

	e2 "github.com/emlix/e2factory"
)

func main() {
	var r jsonschema.Reflector
	if err := r.AddGoComments("github.com/emlix/e2factory", "./"); err != nil {
		panic(err)
	}

	docs := map[string]interface{}{
		"project.schema.json": &e2.ProjectConfig{},
		"chroot.schema.json":  &e2.ChrootConfig{},
		"licence.schema.json": &e2.LicenceConfig{},
		"source.schema.json":  &e2.RawSource{},
		"result.schema.json":  &e2.ResultConfig{},
	}

	outdir := "."
	if len(os.Args) > 1 {
		outdir = os.Args[1]
		if err := os.MkdirAll(outdir, 0o755); err != nil {
			panic(err)
		}
	}

	for name, v := range docs {
		schema := r.Reflect(v)
		dt, err := json.MarshalIndent(schema, "", "\t")
		if err != nil {
			panic(err)
		}
		path := filepath.Join(outdir, name)
		if err := os.WriteFile(path, append(dt, '\n'), 0o644); err != nil {
			panic(err)
		}
		fmt.Println(path)
	}
}
