package core

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"path"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/afero"
)

// uploadMemoryLimit is the in-memory threshold for multipart parsing;
// larger parts spill to disk.
const uploadMemoryLimit = 32 << 20

// UploadHandler processes the file parts of one multipart request and
// returns one metadata object per file. On routine failure the returned
// cleanup runs to undo side effects.
type UploadHandler interface {
	Handle(ctx context.Context, db DB, form *multipart.Form, params map[string]string) (meta []map[string]any, cleanup func(), err error)
}

// UploadRegistry resolves handler names declared on upload endpoints.
type UploadRegistry struct {
	handlers map[string]UploadHandler
	opts     UploadOptions
}

// newUploadRegistry wires the built-in handlers: file_system stores parts
// on the given filesystem, csv parses parts and optionally feeds rows to
// a SQL command.
func newUploadRegistry(opts UploadOptions, fs afero.Fs) *UploadRegistry {
	return &UploadRegistry{
		opts: opts,
		handlers: map[string]UploadHandler{
			"file_system": &fileSystemUpload{fs: fs, opts: opts},
			"csv":         &csvUpload{opts: opts},
		},
	}
}

// Register adds or replaces a handler under a name.
func (ur *UploadRegistry) Register(name string, h UploadHandler) {
	ur.handlers[name] = h
}

// Run parses the multipart body and runs every named handler, collecting
// metadata in handler order. The combined cleanup undoes all of them.
func (ur *UploadRegistry) Run(ctx context.Context, db DB, r *http.Request, names []string, params map[string]string) (string, func(), error) {
	if err := r.ParseMultipartForm(uploadMemoryLimit); err != nil {
		return "", nil, &ValidationError{StatusCode: http.StatusBadRequest, Message: "invalid multipart body"}
	}
	form := r.MultipartForm

	var all []map[string]any
	var cleanups []func()
	cleanup := func() {
		for _, c := range cleanups {
			c()
		}
	}

	for _, name := range names {
		h, ok := ur.handlers[name]
		if !ok {
			cleanup()
			return "", nil, fmt.Errorf("unknown upload handler %q", name)
		}
		meta, c, err := h.Handle(ctx, db, form, params)
		if c != nil {
			cleanups = append(cleanups, c)
		}
		if err != nil {
			cleanup()
			return "", nil, err
		}
		all = append(all, meta...)
	}

	b, err := json.Marshal(all)
	if err != nil {
		cleanup()
		return "", nil, err
	}
	return string(b), cleanup, nil
}

// fileSystemUpload stores every part under a generated name and reports
// where it landed.
type fileSystemUpload struct {
	fs   afero.Fs
	opts UploadOptions
}

func (u *fileSystemUpload) Handle(ctx context.Context, _ DB, form *multipart.Form, params map[string]string) ([]map[string]any, func(), error) {
	dir := params["path"]
	if dir == "" {
		dir = u.opts.Path
	}
	if dir == "" {
		dir = "."
	}
	if err := u.fs.MkdirAll(dir, 0o755); err != nil {
		return nil, nil, err
	}

	var meta []map[string]any
	var stored []string
	cleanup := func() {
		for _, p := range stored {
			_ = u.fs.Remove(p)
		}
	}

	for _, headers := range form.File {
		for _, fh := range headers {
			if u.opts.MaxSize > 0 && fh.Size > u.opts.MaxSize {
				cleanup()
				return nil, nil, &ValidationError{
					StatusCode: http.StatusRequestEntityTooLarge,
					Message:    fmt.Sprintf("file %q exceeds the upload size limit", fh.Filename),
				}
			}
			target := path.Join(dir, uuid.NewString()+path.Ext(fh.Filename))
			size, err := u.store(fh, target)
			if err != nil {
				cleanup()
				return nil, nil, err
			}
			stored = append(stored, target)
			meta = append(meta, map[string]any{
				"type":        "file_system",
				"fileName":    fh.Filename,
				"contentType": fh.Header.Get("Content-Type"),
				"size":        size,
				"filePath":    target,
				"status":      "Ok",
			})
		}
	}
	return meta, cleanup, nil
}

func (u *fileSystemUpload) store(fh *multipart.FileHeader, target string) (int64, error) {
	src, err := fh.Open()
	if err != nil {
		return 0, err
	}
	defer src.Close()

	dst, err := u.fs.Create(target)
	if err != nil {
		return 0, err
	}
	defer dst.Close()
	return io.Copy(dst, src)
}

// csvUpload parses every part as CSV. When the endpoint declares a
// row_command parameter, each record is fed to it as (index, row).
type csvUpload struct {
	opts UploadOptions
}

func (u *csvUpload) Handle(ctx context.Context, db DB, form *multipart.Form, params map[string]string) ([]map[string]any, func(), error) {
	rowCommand := params["row_command"]
	delimiter := ','
	if d := params["delimiter"]; d != "" {
		delimiter = rune(d[0])
	}

	var meta []map[string]any
	for _, headers := range form.File {
		for _, fh := range headers {
			rowCount, colCount, err := u.consume(ctx, db, fh, delimiter, rowCommand)
			m := map[string]any{
				"type":     "csv",
				"fileName": fh.Filename,
				"size":     fh.Size,
				"rows":     rowCount,
				"columns":  colCount,
				"status":   "Ok",
			}
			if err != nil {
				m["status"] = err.Error()
				meta = append(meta, m)
				return meta, nil, &ValidationError{
					StatusCode: http.StatusBadRequest,
					Message:    fmt.Sprintf("file %q is not valid csv", fh.Filename),
				}
			}
			meta = append(meta, m)
		}
	}
	return meta, nil, nil
}

func (u *csvUpload) consume(ctx context.Context, db DB, fh *multipart.FileHeader, delimiter rune, rowCommand string) (rows, cols int, err error) {
	src, err := fh.Open()
	if err != nil {
		return 0, 0, err
	}
	defer src.Close()

	rd := csv.NewReader(src)
	rd.Comma = delimiter
	rd.FieldsPerRecord = -1

	for {
		record, err := rd.Read()
		if err == io.EOF {
			return rows, cols, nil
		}
		if err != nil {
			return rows, cols, err
		}
		if len(record) > cols {
			cols = len(record)
		}
		if rowCommand != "" {
			if _, err := db.Exec(ctx, rowCommand, rows, record); err != nil {
				return rows, cols, err
			}
		}
		rows++
	}
}

// uploadContentTypeOK rejects multipart endpoints called with a plain
// body.
func uploadContentTypeOK(r *http.Request) bool {
	return strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data")
}
