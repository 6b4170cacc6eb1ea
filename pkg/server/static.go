package server

import (
	"io"
	"net/http"
	"os"
	"path"
	"path/filepath"

	"github.com/pkg/errors"

	"github.com/raphaelreyna/ez-httpd/pkg/request"
)

var contentTypes = map[string]string{
	".html": "text/html",
	".htm":  "text/html",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".css":  "text/css",
	".js":   "application/javascript",
	".png":  "image/png",
	".gif":  "image/gif",
}

// ContentType returns the media type served for name, by extension.
func ContentType(name string) string {
	if ct, ok := contentTypes[filepath.Ext(name)]; ok {
		return ct
	}
	return "text/plain"
}

// resolve maps a request path onto the document root. The path is cleaned as
// if rooted, so dot-dot segments cannot climb above root.
func resolve(root, uriPath string) string {
	return filepath.Join(root, filepath.FromSlash(path.Clean("/"+uriPath)))
}

// serveStatic answers r from the document root and returns the status sent.
func (w *worker) serveStatic(c io.Writer, r *request.Request) (int, error) {
	name := resolve(w.root, r.Path())

	f, fi, err := openFile(name)
	if errors.Is(err, errNotFound) {
		w.log.Debug().Err(err).Str("path", name).Msg("static file not found")
		return http.StatusNotFound, w.framer.WriteError(c, http.StatusNotFound)
	}
	if err != nil {
		w.log.Error().Err(err).Str("path", name).Msg("static file")
		return http.StatusInternalServerError, w.framer.WriteError(c, http.StatusInternalServerError)
	}
	defer f.Close()

	if err := w.framer.WriteHeader(c, http.StatusOK, ContentType(fi.Name()), fi.Size()); err != nil {
		return http.StatusOK, err
	}
	if r.Method == "HEAD" {
		return http.StatusOK, nil
	}
	if _, err := io.CopyN(c, f, fi.Size()); err != nil {
		return http.StatusOK, errors.Wrapf(err, "send %s", name)
	}
	return http.StatusOK, nil
}

var errNotFound = errors.New("not found")

// openFile opens name, falling back to index.html for directories. Files that
// cannot be opened are reported as errNotFound; anything failing after that
// is an internal error.
func openFile(name string) (*os.File, os.FileInfo, error) {
	f, err := os.Open(name)
	if err != nil {
		return nil, nil, errors.Wrap(errNotFound, err.Error())
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, nil, errors.Wrapf(err, "stat %s", name)
	}
	if !fi.IsDir() {
		return f, fi, nil
	}
	f.Close()

	index := filepath.Join(name, "index.html")
	if f, err = os.Open(index); err != nil {
		return nil, nil, errors.Wrap(errNotFound, err.Error())
	}
	if fi, err = f.Stat(); err != nil {
		f.Close()
		return nil, nil, errors.Wrapf(err, "stat %s", index)
	}
	if fi.IsDir() {
		f.Close()
		return nil, nil, errors.Wrapf(errNotFound, "%s is a directory", index)
	}
	return f, fi, nil
}
