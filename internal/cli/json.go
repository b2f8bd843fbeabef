// Copyright 2026 The OTA Image Authors
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"encoding/json"
	"io"
	"os"
	"reflect"
)

// JSONOutput adds a --json flag to a params struct.
//
//	type inspectParams struct {
//	    cli.Common
//	    cli.JSONOutput
//	}
//
//	if done, err := params.EmitJSON(result); done {
//	    return err
//	}
//	// text output
type JSONOutput struct {
	OutputJSON bool `flag:"json" desc:"print the result as JSON"`
}

// EmitJSON writes result to stdout as indented JSON when --json is set
// and reports whether it did. Nil slices are written as [].
func (j *JSONOutput) EmitJSON(result any) (bool, error) {
	if !j.OutputJSON {
		return false, nil
	}
	return true, WriteJSON(os.Stdout, normalizeNilSlice(result))
}

// WriteJSON writes value as indented JSON.
func WriteJSON(w io.Writer, value any) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(value)
}

func normalizeNilSlice(value any) any {
	v := reflect.ValueOf(value)
	if v.Kind() == reflect.Slice && v.IsNil() {
		return reflect.MakeSlice(v.Type(), 0, 0).Interface()
	}
	return value
}
