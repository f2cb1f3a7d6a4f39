/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package main

import (
	"bytes"
	"embed"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/Seednode/soundbox/sound"
	"github.com/julienschmidt/httprouter"
)

//go:embed static/*
var static embed.FS

func cacheHeaders(w http.ResponseWriter) {
	w.Header().Set("Cache-Control", "public, max-age=3600")
	w.Header().Set("Expires", time.Now().Add(time.Hour).UTC().Format(http.TimeFormat))
}

// serveHomePage serves the client. The page is the same for the lobby and
// for every room; the script derives its websocket URL from the page path.
func serveHomePage(cfg *Config, errs chan<- error) httprouter.Handle {
	page, err := static.ReadFile("static/index.html")
	if err != nil {
		panic("missing embedded index.html: " + err.Error())
	}
	page = bytes.ReplaceAll(page, []byte("{{prefix}}"), []byte(cfg.prefix))

	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		startTime := time.Now()

		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Header().Set("Content-Length", strconv.Itoa(len(page)))
		securityHeaders(cfg, w)

		written, err := w.Write(page)
		if err != nil {
			errs <- err

			return
		}

		logf(cfg, "SERVE: Client page %s (%s) to %s in %s",
			r.URL.Path,
			humanReadableSize(int64(written)),
			realIP(r),
			time.Since(startTime).Round(time.Microsecond),
		)
	}
}

func serveHealthCheck(cfg *Config, errs chan<- error) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		securityHeaders(cfg, w)

		_, err := w.Write([]byte("Ok\n"))
		if err != nil {
			errs <- err

			return
		}
	}
}

func serveAssets(cfg *Config, errs chan<- error) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
		fname := path.Join("static", path.Clean("/"+p.ByName("filepath")))

		data, err := static.ReadFile(fname)
		if err != nil {
			http.NotFound(w, r)

			return
		}

		cacheHeaders(w)
		w.Header().Set("Content-Length", strconv.Itoa(len(data)))
		securityHeaders(cfg, w)

		switch strings.ToLower(filepath.Ext(fname)) {
		case ".css":
			w.Header().Set("Content-Type", "text/css; charset=utf-8")
		case ".js":
			w.Header().Set("Content-Type", "text/javascript; charset=utf-8")
		case ".html":
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
		}

		_, err = w.Write(data)
		if err != nil {
			errs <- err

			return
		}
	}
}

// serveSounds serves audio clips read-only from the configured directory.
// Directory listings are never served.
func serveSounds(cfg *Config) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
		fname := filepath.Join(cfg.sounds, filepath.FromSlash(path.Clean("/"+p.ByName("filepath"))))

		info, err := os.Stat(fname)
		if err != nil || info.IsDir() {
			http.NotFound(w, r)

			return
		}

		cacheHeaders(w)
		securityHeaders(cfg, w)

		switch strings.ToLower(filepath.Ext(fname)) {
		case ".mp3":
			w.Header().Set("Content-Type", "audio/mpeg")
		case ".wav":
			w.Header().Set("Content-Type", "audio/wav")
		case ".ogg":
			w.Header().Set("Content-Type", "audio/ogg")
		}

		http.ServeFile(w, r, fname)
	}
}

// missingSounds lists the sounds whose clip is absent from dir.
func missingSounds(dir string) []sound.Sound {
	var missing []sound.Sound

	for _, s := range sound.All() {
		info, err := os.Stat(filepath.Join(dir, s.Asset()))
		if err != nil || info.IsDir() {
			missing = append(missing, s)
		}
	}

	return missing
}

func serveRobots(cfg *Config, errs chan<- error) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
		data := `User-agent: *
Disallow: /r/
Disallow: /ws`

		cacheHeaders(w)
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Header().Set("Content-Length", strconv.Itoa(len(data)))
		securityHeaders(cfg, w)

		_, err := w.Write([]byte(data))
		if err != nil {
			errs <- err

			return
		}
	}
}

func registerAssets(cfg *Config, mux *httprouter.Router, errs chan<- error) {
	mux.GET(cfg.prefix+"/static/*filepath", serveAssets(cfg, errs))
	mux.GET(cfg.prefix+"/sounds/*filepath", serveSounds(cfg))
}
