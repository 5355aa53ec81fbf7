// Package fileset scans a local numbered file sequence and summarises it as
// a listing reply for fileset-stride deployment.
package fileset

import (
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/c360/stagegrid/descriptor"
	"github.com/c360/stagegrid/errors"
)

// Indices returns the sorted numeric indices of every file in fs.Dir whose
// name is Prefix + digits + Postfix. When Digits is set the number must have
// exactly that width.
func Indices(fs descriptor.FilesetDescriptor) ([]int, error) {
	entries, err := os.ReadDir(fs.Dir)
	if err != nil {
		return nil, errors.WrapTransient(err, "fileset", "Indices", "read directory "+fs.Dir)
	}

	var indices []int
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if n, ok := parse(fs, e.Name()); ok {
			indices = append(indices, n)
		}
	}
	sort.Ints(indices)
	return indices, nil
}

func parse(fs descriptor.FilesetDescriptor, name string) (int, bool) {
	if !strings.HasPrefix(name, fs.Prefix) || !strings.HasSuffix(name, fs.Postfix) {
		return 0, false
	}
	if len(name) < len(fs.Prefix)+len(fs.Postfix) {
		return 0, false
	}
	digits := name[len(fs.Prefix) : len(name)-len(fs.Postfix)]
	if digits == "" || (fs.Digits > 0 && len(digits) != fs.Digits) {
		return 0, false
	}
	for _, r := range digits {
		if r < '0' || r > '9' {
			return 0, false
		}
	}
	n, err := strconv.Atoi(digits)
	if err != nil {
		return 0, false
	}
	return n, true
}

// Summarize reduces sorted indices to (start, end, stride). A single file has
// stride 1. Uneven spacing or no files yields descriptor.NoListing.
func Summarize(indices []int) descriptor.ListingReply {
	switch len(indices) {
	case 0:
		return descriptor.NoListing
	case 1:
		return descriptor.ListingReply{Start: indices[0], End: indices[0], Stride: 1}
	}

	stride := indices[1] - indices[0]
	if stride < 1 {
		return descriptor.NoListing
	}
	for i := 2; i < len(indices); i++ {
		if indices[i]-indices[i-1] != stride {
			return descriptor.NoListing
		}
	}
	return descriptor.ListingReply{Start: indices[0], End: indices[len(indices)-1], Stride: stride}
}

// Scan lists fs and summarises it. A missing or unreadable directory is
// reported as descriptor.NoListing, not as an error.
func Scan(fs descriptor.FilesetDescriptor) descriptor.ListingReply {
	indices, err := Indices(fs)
	if err != nil {
		return descriptor.NoListing
	}
	return Summarize(indices)
}

// Path returns the full path of the file with the given index.
func Path(fs descriptor.FilesetDescriptor, index int) string {
	return filepath.Join(fs.Dir, fs.FileName(index))
}
