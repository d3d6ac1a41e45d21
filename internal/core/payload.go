package core

import (
	"fmt"
	"os"
	"time"
)

// Item is one file to upload under Name.
type Item struct {
	Name string
	Path string
	Size int64
}

// Payload is the ordered list of uploads that make up one transfer.
type Payload struct {
	Items     []Item
	CreatedAt time.Time
}

// NewPayload uploads every file of the tree under its relative path.
func NewPayload(ft *Filetree) *Payload {
	p := &Payload{CreatedAt: time.Now()}
	for _, f := range ft.Files() {
		p.Items = append(p.Items, Item{Name: f.RelPath(), Path: f.Path(), Size: f.Size()})
	}
	return p
}

// NewBundlePayload packs the tree into a single zip archive in dir and returns
// a payload holding only that archive. cleanup removes the archive.
func NewBundlePayload(ft *Filetree, dir string) (p *Payload, cleanup func(), err error) {
	tmp, err := os.CreateTemp(dir, "beam-*.zip")
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create bundle: %w", err)
	}
	cleanup = func() { os.Remove(tmp.Name()) }
	defer func() {
		if err != nil {
			cleanup()
		}
	}()

	if err := ft.WriteZip(tmp); err != nil {
		tmp.Close()
		return nil, nil, err
	}
	info, err := tmp.Stat()
	if err != nil {
		tmp.Close()
		return nil, nil, err
	}
	if err := tmp.Close(); err != nil {
		return nil, nil, err
	}

	name := fmt.Sprintf("upload_%s.zip", time.Now().Format("2006_01_02_150405"))
	return &Payload{
		Items:     []Item{{Name: name, Path: tmp.Name(), Size: info.Size()}},
		CreatedAt: time.Now(),
	}, cleanup, nil
}

func (p *Payload) TotalSize() int64 {
	var total int64
	for _, it := range p.Items {
		total += it.Size
	}
	return total
}
