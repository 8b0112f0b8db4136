package db

import (
	"fmt"
	"io"
	"sort"
	"strings"
)

// ValidationLevel selects how much of a Field definition feeds into a hash.
type ValidationLevel int

const (
	// ValidationNamesAndTypes hashes only field names and types.
	ValidationNamesAndTypes ValidationLevel = iota
	// ValidationFull also hashes flags, transforms and type parameters.
	ValidationFull
)

// Hash writes a canonical digest of the field definition into w.
func (f *Field) Hash(w io.Writer, level ValidationLevel) {
	fmt.Fprintf(w, "%s:%d;", f.name, f.typ)
	if level != ValidationFull {
		return
	}

	fmt.Fprintf(w, "f%d;t%d;", f.flags, f.transform)
	switch f.typ {
	case TypeText:
		fmt.Fprintf(w, "l%d-%d;", f.minLength, f.maxLength)
	case TypeBytes:
		fmt.Fprintf(w, "l%d-%d;", f.minLength, f.maxLength)
		if f.transform == TransformPassword {
			fmt.Fprintf(w, "s%s;", f.salt)
		}
	case TypeExtra:
		io.WriteString(w, "{")
		for _, it := range f.SubFields() {
			it.Hash(w, level)
		}
		io.WriteString(w, "}")
	case TypeObject, TypeSet:
		fmt.Fprintf(w, "o%s;r%d;k%d;%s;", f.foreignName, f.onRemove, f.linkage, f.link)
	case TypeArray:
		if f.elem != nil {
			io.WriteString(w, "[")
			f.elem.Hash(w, level)
			io.WriteString(w, "]")
		}
	case TypeFile, TypeImage:
		types := append([]string(nil), f.allowedTypes...)
		sort.Strings(types)
		fmt.Fprintf(w, "m%d;a%s;", f.maxSize, strings.Join(types, ","))
		for _, th := range f.thumbnails {
			fmt.Fprintf(w, "th%s:%dx%d;", th.Name, th.Width, th.Height)
		}
	case TypeView:
		fmt.Fprintf(w, "v%s;q%s;d%t;", f.foreignName, strings.Join(f.requires, ","), f.delta)
	case TypeFullTextView:
		fmt.Fprintf(w, "q%s;", strings.Join(f.requires, ","))
	case TypeCustom:
		if f.custom != nil {
			fmt.Fprintf(w, "c%s;", f.custom.TypeName())
			f.custom.Hash(w, level)
		}
	}
}
