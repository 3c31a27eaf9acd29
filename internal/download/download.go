// Package download fetches model files and their class sidecars from
// a model mirror. It is an external collaborator of the core pipeline:
// both entry points print or fetch and then exit, they never run
// alongside the server.
package download

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
)

// DefaultBaseURL is the model mirror prefix. Operators typically
// point this at their own mirror with --download-base-url.
const DefaultBaseURL = "https://models.blue-onyx.example.com"

// Model is one downloadable catalog entry.
type Model struct {
	Name     string
	Kind     string // "transformer" or "anchor"
	Files    []string
	SizeHint string
	Notes    string
}

// Catalog lists the models the download commands know about. The
// rt-detrv2 family are transformer-style detectors sharing the COCO
// class sidecar; the custom yolo5 set are anchor models that each
// carry their own sidecar.
var Catalog = []Model{
	{Name: "rt-detrv2-s", Kind: "transformer", Files: []string{"rt-detrv2-s.onnx", "coco_classes.txt"}, SizeHint: "80 MB", Notes: "default small model"},
	{Name: "rt-detrv2-ms", Kind: "transformer", Files: []string{"rt-detrv2-ms.onnx", "coco_classes.txt"}, SizeHint: "130 MB"},
	{Name: "rt-detrv2-m", Kind: "transformer", Files: []string{"rt-detrv2-m.onnx", "coco_classes.txt"}, SizeHint: "160 MB"},
	{Name: "rt-detrv2-l", Kind: "transformer", Files: []string{"rt-detrv2-l.onnx", "coco_classes.txt"}, SizeHint: "250 MB"},
	{Name: "rt-detrv2-x", Kind: "transformer", Files: []string{"rt-detrv2-x.onnx", "coco_classes.txt"}, SizeHint: "310 MB"},
	{Name: "delivery", Kind: "anchor", Files: []string{"delivery.onnx", "delivery.txt"}, SizeHint: "28 MB", Notes: "packages and couriers"},
	{Name: "ipcam-animal", Kind: "anchor", Files: []string{"IPcam-animal.onnx", "IPcam-animal.txt"}, SizeHint: "28 MB"},
	{Name: "ipcam-bird", Kind: "anchor", Files: []string{"ipcam-bird.onnx", "ipcam-bird.txt"}, SizeHint: "28 MB"},
	{Name: "ipcam-combined", Kind: "anchor", Files: []string{"IPcam-combined.onnx", "IPcam-combined.txt"}, SizeHint: "28 MB"},
	{Name: "ipcam-dark", Kind: "anchor", Files: []string{"IPcam-dark.onnx", "IPcam-dark.txt"}, SizeHint: "28 MB"},
	{Name: "ipcam-general", Kind: "anchor", Files: []string{"IPcam-general.onnx", "IPcam-general.txt"}, SizeHint: "28 MB"},
	{Name: "package", Kind: "anchor", Files: []string{"package.onnx", "package.txt"}, SizeHint: "28 MB"},
}

// PrintCatalog writes the model list for --list-models.
func PrintCatalog(w io.Writer) {
	fmt.Fprintf(w, "%-16s %-12s %-8s %s\n", "NAME", "TYPE", "SIZE", "NOTES")
	for _, m := range Catalog {
		fmt.Fprintf(w, "%-16s %-12s %-8s %s\n", m.Name, m.Kind, m.SizeHint, m.Notes)
	}
}

// Downloader fetches catalog entries over HTTP.
type Downloader struct {
	BaseURL string
	Client  *http.Client
	Log     zerolog.Logger
}

// New builds a downloader against baseURL, or DefaultBaseURL if empty.
func New(baseURL string, log zerolog.Logger) *Downloader {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Downloader{
		BaseURL: baseURL,
		Client:  &http.Client{Timeout: 30 * time.Minute},
		Log:     log,
	}
}

// DownloadAll fetches every catalog model of the given kind ("" means
// all) into destDir.
func (d *Downloader) DownloadAll(destDir, kind string) error {
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return fmt.Errorf("create download directory %q: %w", destDir, err)
	}
	var fetched []string
	for _, m := range Catalog {
		if kind != "" && m.Kind != kind {
			continue
		}
		for _, file := range m.Files {
			if err := d.fetch(destDir, file); err != nil {
				return fmt.Errorf("download %s: %w", file, err)
			}
			fetched = append(fetched, file)
		}
	}
	d.Log.Info().Strs("files", fetched).Str("dir", destDir).Msg("successfully downloaded models")
	return nil
}

func (d *Downloader) fetch(destDir, file string) error {
	dest := filepath.Join(destDir, file)
	if _, err := os.Stat(dest); err == nil {
		d.Log.Info().Str("file", file).Msg("already present, skipping")
		return nil
	}

	url := d.BaseURL + "/" + file
	d.Log.Info().Str("url", url).Msg("downloading")
	resp, err := d.Client.Get(url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %s from %s", resp.Status, url)
	}

	tmp := dest + ".partial"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, resp.Body); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, dest)
}
