package core

type Node interface {
	Path() string
	Name() string
}

type File struct {
	path string
	name string
	size int64
	dir  *Dir
}

type Dir struct {
	path     string
	name     string
	children []Node
	parent   *Dir
}

func (f *File) Path() string {
	return f.path
}

func (f *File) Name() string {
	return f.name
}

func (f *File) Size() int64 {
	return f.size
}

// RelPath is the slash-separated path of f below the tree root.
func (f *File) RelPath() string {
	rel := f.name
	for d := f.dir; d != nil && d.parent != nil; d = d.parent {
		rel = d.name + "/" + rel
	}
	return rel
}

func (d *Dir) Path() string {
	return d.path
}

func (d *Dir) Name() string {
	return d.name
}

func (d *Dir) Children() []Node {
	return d.children
}
