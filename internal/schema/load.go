package schema

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/load"
	"cuelang.org/go/cue/token"
)

// Load error codes.
const (
	ErrCodeGeneric     = "E001"
	ErrCodeScanError   = "E002"
	ErrCodeNoFiles     = "E003"
	ErrCodeLoadFailed  = "E004"
	ErrCodeNotFound    = "E005"
	ErrCodeBuildFailed = "E006"
	ErrCodeInvalid     = "E101"
)

// LoadError is an error found while reading CUE sources.
type LoadError struct {
	Code    string
	Message string
	Pos     token.Pos
}

func (e *LoadError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s", e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(), e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Load reads every .cue file in dir as one CUE package and builds a Schema
// from its top-level "entity" struct.
func Load(dir string) (*Schema, error) {
	info, err := os.Stat(dir)
	if os.IsNotExist(err) {
		return nil, &LoadError{Code: ErrCodeNotFound, Message: fmt.Sprintf("schema directory not found: %s", dir)}
	}
	if err != nil {
		return nil, &LoadError{Code: ErrCodeNotFound, Message: fmt.Sprintf("error accessing schema directory: %v", err)}
	}
	if !info.IsDir() {
		return nil, &LoadError{Code: ErrCodeNotFound, Message: fmt.Sprintf("not a directory: %s", dir)}
	}

	files, err := FindCUEFiles(dir)
	if err != nil {
		return nil, &LoadError{Code: ErrCodeScanError, Message: fmt.Sprintf("error scanning directory: %v", err)}
	}
	if len(files) == 0 {
		return nil, &LoadError{Code: ErrCodeNoFiles, Message: fmt.Sprintf("no CUE files found in %s", dir)}
	}

	ctx := cuecontext.New()
	instances := load.Instances([]string{"."}, &load.Config{Dir: dir})
	if len(instances) == 0 {
		return nil, &LoadError{Code: ErrCodeLoadFailed, Message: "no CUE instances loaded"}
	}
	inst := instances[0]
	if inst.Err != nil {
		return nil, &LoadError{Code: ErrCodeLoadFailed, Message: fmt.Sprintf("loading CUE files: %v", inst.Err)}
	}

	value := ctx.BuildInstance(inst)
	if err := value.Err(); err != nil {
		return nil, formatCUEError(ErrCodeBuildFailed, err)
	}
	return FromValue(value)
}

// Compile builds a Schema from a single CUE source.
func Compile(src []byte, filename string) (*Schema, error) {
	value := cuecontext.New().CompileBytes(src, cue.Filename(filename))
	if err := value.Err(); err != nil {
		return nil, formatCUEError(ErrCodeBuildFailed, err)
	}
	return FromValue(value)
}

// FromValue decodes the "entity" struct of an evaluated CUE value.
func FromValue(v cue.Value) (*Schema, error) {
	entVal := v.LookupPath(cue.ParsePath("entity"))
	if !entVal.Exists() {
		return nil, &LoadError{Code: ErrCodeGeneric, Message: "no entities found (expected a top-level \"entity\" struct)", Pos: v.Pos()}
	}

	iter, err := entVal.Fields()
	if err != nil {
		return nil, formatCUEError(ErrCodeGeneric, err)
	}

	var entities []Entity
	for iter.Next() {
		ent, err := decodeEntity(iter.Label(), iter.Value())
		if err != nil {
			return nil, err
		}
		entities = append(entities, ent)
	}

	s, err := New(entities...)
	if err != nil {
		var verr *ValidationError
		if errors.As(err, &verr) {
			return nil, &LoadError{Code: ErrCodeInvalid, Message: verr.Error(), Pos: entityPos(entVal, verr.Entity)}
		}
		return nil, err
	}
	return s, nil
}

func decodeEntity(name string, v cue.Value) (Entity, error) {
	ent := Entity{Name: name, Table: name}

	if t := v.LookupPath(cue.ParsePath("table")); t.Exists() {
		table, err := t.String()
		if err != nil {
			return Entity{}, formatCUEError(ErrCodeInvalid, err)
		}
		ent.Table = table
	}

	colsVal := v.LookupPath(cue.ParsePath("columns"))
	if !colsVal.Exists() {
		return Entity{}, &LoadError{Code: ErrCodeInvalid, Message: fmt.Sprintf("entity %s: columns are required", name), Pos: v.Pos()}
	}
	colIter, err := colsVal.Fields()
	if err != nil {
		return Entity{}, formatCUEError(ErrCodeInvalid, err)
	}
	for colIter.Next() {
		col := Column{Name: colIter.Label(), Type: TypeText}
		cv := colIter.Value()
		if t := cv.LookupPath(cue.ParsePath("type")); t.Exists() {
			if col.Type, err = t.String(); err != nil {
				return Entity{}, formatCUEError(ErrCodeInvalid, err)
			}
		}
		if n := cv.LookupPath(cue.ParsePath("nullable")); n.Exists() {
			if col.Nullable, err = n.Bool(); err != nil {
				return Entity{}, formatCUEError(ErrCodeInvalid, err)
			}
		}
		if g := cv.LookupPath(cue.ParsePath("generated")); g.Exists() {
			if col.Generated, err = g.Bool(); err != nil {
				return Entity{}, formatCUEError(ErrCodeInvalid, err)
			}
		}
		ent.Columns = append(ent.Columns, col)
	}

	if pk := v.LookupPath(cue.ParsePath("primary_key")); pk.Exists() {
		if err := pk.Decode(&ent.PrimaryKey); err != nil {
			return Entity{}, formatCUEError(ErrCodeInvalid, err)
		}
	}

	if fks := v.LookupPath(cue.ParsePath("foreign_keys")); fks.Exists() {
		list, err := fks.List()
		if err != nil {
			return Entity{}, formatCUEError(ErrCodeInvalid, err)
		}
		for list.Next() {
			fk, err := decodeForeignKey(list.Value())
			if err != nil {
				return Entity{}, err
			}
			ent.ForeignKeys = append(ent.ForeignKeys, fk)
		}
	}

	return ent, nil
}

func decodeForeignKey(v cue.Value) (ForeignKey, error) {
	var fk ForeignKey
	if n := v.LookupPath(cue.ParsePath("name")); n.Exists() {
		name, err := n.String()
		if err != nil {
			return fk, formatCUEError(ErrCodeInvalid, err)
		}
		fk.Name = name
	}
	if err := v.LookupPath(cue.ParsePath("columns")).Decode(&fk.Columns); err != nil {
		return fk, formatCUEError(ErrCodeInvalid, err)
	}
	ref := v.LookupPath(cue.ParsePath("references"))
	if !ref.Exists() {
		return fk, &LoadError{Code: ErrCodeInvalid, Message: "foreign key references are required", Pos: v.Pos()}
	}
	entity, err := ref.LookupPath(cue.ParsePath("entity")).String()
	if err != nil {
		return fk, formatCUEError(ErrCodeInvalid, err)
	}
	fk.RefEntity = entity
	if cols := ref.LookupPath(cue.ParsePath("columns")); cols.Exists() {
		if err := cols.Decode(&fk.RefColumns); err != nil {
			return fk, formatCUEError(ErrCodeInvalid, err)
		}
	}
	return fk, nil
}

func entityPos(entVal cue.Value, name string) token.Pos {
	if name == "" {
		return entVal.Pos()
	}
	if v := entVal.LookupPath(cue.MakePath(cue.Str(name))); v.Exists() {
		return v.Pos()
	}
	return entVal.Pos()
}

// FindCUEFiles walks dir and returns all .cue file paths.
func FindCUEFiles(dir string) ([]string, error) {
	var files []string
	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() && filepath.Ext(path) == ".cue" {
			files = append(files, path)
		}
		return nil
	})
	return files, err
}

// formatCUEError keeps the position of the first CUE error.
func formatCUEError(code string, err error) error {
	errs := cueerrors.Errors(err)
	if len(errs) == 0 {
		return &LoadError{Code: code, Message: err.Error()}
	}
	first := errs[0]
	if positions := cueerrors.Positions(first); len(positions) > 0 {
		return &LoadError{Code: code, Message: first.Error(), Pos: positions[0]}
	}
	return &LoadError{Code: code, Message: first.Error()}
}
