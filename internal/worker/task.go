package worker

import "dsync/internal/storage"

// Task is one part of a multipart upload
type Task struct {
	PartNumber int   `json:"part_number"`
	Offset     int64 `json:"offset"`
	Size       int64 `json:"size"`
}

// Result is the outcome of uploading one part
type Result struct {
	PartNumber int
	ETag       string
	Size       int64
	Err        error
}

// Part converts a successful result into a completion entry.
func (r Result) Part() storage.CompletedPart {
	return storage.CompletedPart{PartNumber: r.PartNumber, ETag: r.ETag}
}

// Config identifies the upload the parts belong to
type Config struct {
	Bucket   string
	Key      string
	UploadID string
}

// SplitParts cuts size bytes into partSize parts numbered from 1, starting
// at the part after skip. The last part may be shorter. An empty file is a
// single empty part.
func SplitParts(size, partSize int64, skip int) []Task {
	if partSize <= 0 {
		return nil
	}
	if size == 0 {
		if skip > 0 {
			return nil
		}
		return []Task{{PartNumber: 1}}
	}

	var tasks []Task
	for n, off := 1, int64(0); off < size; n, off = n+1, off+partSize {
		if n <= skip {
			continue
		}
		s := partSize
		if off+s > size {
			s = size - off
		}
		tasks = append(tasks, Task{PartNumber: n, Offset: off, Size: s})
	}
	return tasks
}
