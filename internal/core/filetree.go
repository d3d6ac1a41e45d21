package core

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// Filetree is the set of local files selected for one transfer. Root is a
// virtual directory whose children are the command line arguments.
type Filetree struct {
	Root *Dir
}

func BuildFiletree(paths []ParsedPath) (*Filetree, error) {
	root := &Dir{name: ""}

	for _, parsedPath := range paths {
		if parsedPath.Kind == PathDir {
			dirNode, err := buildDirTree(parsedPath.FullPath, root)
			if err != nil {
				return nil, err
			}
			root.children = append(root.children, dirNode)
			continue
		}

		info, err := os.Stat(parsedPath.FullPath)
		if err != nil {
			return nil, err
		}
		root.children = append(root.children, &File{
			path: parsedPath.FullPath,
			name: filepath.Base(parsedPath.FullPath),
			size: info.Size(),
			dir:  root,
		})
	}

	if len(root.children) == 0 {
		return nil, fmt.Errorf("no valid paths provided")
	}
	return &Filetree{Root: root}, nil
}

func buildDirTree(dirPath string, parent *Dir) (*Dir, error) {
	dir := &Dir{
		path:     dirPath,
		name:     filepath.Base(dirPath),
		children: []Node{},
		parent:   parent,
	}

	entries, err := os.ReadDir(dirPath)
	if err != nil {
		return nil, err
	}

	for _, entry := range entries {
		childPath := filepath.Join(dirPath, entry.Name())

		switch {
		case entry.IsDir():
			childDir, err := buildDirTree(childPath, dir)
			if err != nil {
				return nil, err
			}
			dir.children = append(dir.children, childDir)
		case entry.Type().IsRegular():
			info, err := entry.Info()
			if err != nil {
				return nil, err
			}
			dir.children = append(dir.children, &File{
				path: childPath,
				name: entry.Name(),
				size: info.Size(),
				dir:  dir,
			})
		default:
			// Symlinks, sockets and devices are not uploaded.
		}
	}

	return dir, nil
}

// Files returns every file in the tree ordered by relative path.
func (ft *Filetree) Files() []*File {
	var out []*File
	var walk func(d *Dir)
	walk = func(d *Dir) {
		for _, child := range d.children {
			switch n := child.(type) {
			case *File:
				out = append(out, n)
			case *Dir:
				walk(n)
			}
		}
	}
	walk(ft.Root)

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].RelPath() < out[j].RelPath()
	})
	return out
}

// TotalSize is the sum of all file sizes.
func (ft *Filetree) TotalSize() int64 {
	var total int64
	for _, f := range ft.Files() {
		total += f.size
	}
	return total
}
