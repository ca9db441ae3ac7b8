// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package slave

import (
	"errors"
	"fmt"
	"os"

	"github.com/edsrzf/mmap-go"
)

// Storage provides the backing bytes of a register image.
type Storage interface {
	// Load returns an image of exactly size bytes.
	Load(size int) ([]byte, error)

	// Flush persists the image, if the storage persists anything.
	Flush() error

	Close() error
}

// MemoryStorage keeps the image on the heap. Nothing survives a restart.
type MemoryStorage struct{}

func (MemoryStorage) Load(size int) ([]byte, error) { return make([]byte, size), nil }

func (MemoryStorage) Flush() error { return nil }

func (MemoryStorage) Close() error { return nil }

// MmapStorage maps the image from a file, so the OS persists it and other
// processes mapping the same file see every register as it is written.
//
// Registers are kept in Modbus byte order (big endian), which lets the
// server answer reads straight out of the mapping.
type MmapStorage struct {
	path string
	file *os.File
	data mmap.MMap
}

// NewMmapStorage returns a storage backed by the file at path.
func NewMmapStorage(path string) *MmapStorage {
	return &MmapStorage{path: path}
}

func (ms *MmapStorage) Load(size int) ([]byte, error) {
	if ms.data != nil {
		return nil, errors.New("mmap storage already loaded")
	}
	f, err := os.OpenFile(ms.path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open image file: %w", err)
	}

	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if fi.Size() != int64(size) {
		if err := f.Truncate(int64(size)); err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to resize image file: %w", err)
		}
	}

	data, err := mmap.Map(f, mmap.RDWR, 0)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("mmap failed: %w", err)
	}
	ms.file = f
	ms.data = data
	return data, nil
}

// Flush writes dirty pages back to the file.
func (ms *MmapStorage) Flush() error {
	if ms.data == nil {
		return errors.New("mmap data is nil")
	}
	return ms.data.Flush()
}

// Close unmaps and closes the file.
func (ms *MmapStorage) Close() error {
	var err error
	if ms.data != nil {
		if e := ms.data.Unmap(); e != nil {
			err = e
		}
		ms.data = nil
	}
	if ms.file != nil {
		if e := ms.file.Close(); e != nil && err == nil {
			err = e
		}
		ms.file = nil
	}
	return err
}
