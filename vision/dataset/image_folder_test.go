package dataset

import (
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/tracklab/tracknet/internal/errors"
	"github.com/tracklab/tracknet/vision/preprocessing"
)

// createImageFolder writes imagesPerClass small PNGs per class plus one
// non-image file.
func createImageFolder(t *testing.T, classes []string, imagesPerClass int) string {
	t.Helper()
	root := t.TempDir()
	for _, className := range classes {
		dir := filepath.Join(root, className)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			t.Fatal(err)
		}
		for i := 0; i < imagesPerClass; i++ {
			img := image.NewRGBA(image.Rect(0, 0, 6, 6))
			for p := range img.Pix {
				img.Pix[p] = 200
			}
			img.Set(0, 0, color.RGBA{0, 0, 0, 255})
			f, err := os.Create(filepath.Join(dir, "track_"+string(rune('a'+i))+".png"))
			if err != nil {
				t.Fatal(err)
			}
			png.Encode(f, img)
			f.Close()
		}
		os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("field notes"), 0o644)
	}
	return root
}

func TestNewImageFolder(t *testing.T) {
	root := createImageFolder(t, []string{"raccoon", "fox", "deer"}, 2)

	d, err := NewImageFolder(root, nil, preprocessing.NewTransform(4), nil)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if d.Len() != 6 {
		t.Errorf("Expected 6 images, got %d", d.Len())
	}
	if got := strings.Join(d.Mapping().Names(), ","); got != "deer,fox,raccoon" {
		t.Errorf("Expected sorted class names, got %s", got)
	}

	img, label, err := d.Get(0)
	if err != nil {
		t.Fatal(err)
	}
	if label != 0 || img.Shape[0] != 3 || img.Shape[1] != 4 {
		t.Errorf("unexpected sample: label %d shape %v", label, img.Shape)
	}
	dist := d.ClassDistribution()
	if dist["fox"] != 2 {
		t.Errorf("Expected 2 fox images, got %d", dist["fox"])
	}
	if !strings.Contains(d.String(), "raccoon: 2 samples") {
		t.Errorf("unexpected summary %q", d.String())
	}
}

func TestImageFolderUsesMapping(t *testing.T) {
	root := createImageFolder(t, []string{"fox"}, 1)
	m, _ := NewClassMapping([]string{"deer", "otter", "fox"})

	d, err := NewImageFolder(root, m, preprocessing.NewTransform(4), nil)
	if err != nil {
		t.Fatal(err)
	}
	if d.Label(0) != 2 {
		t.Errorf("Expected label from mapping (2), got %d", d.Label(0))
	}

	unknown := createImageFolder(t, []string{"moose"}, 1)
	if _, err := NewImageFolder(unknown, m, preprocessing.NewTransform(4), nil); !errors.IsCategory(err, errors.CategoryValidation) {
		t.Errorf("Expected validation error for unknown class, got %v", err)
	}
}

func TestImageFolderEmpty(t *testing.T) {
	root := t.TempDir()
	os.MkdirAll(filepath.Join(root, "fox"), 0o755)
	if _, err := NewImageFolder(root, nil, preprocessing.NewTransform(4), nil); !errors.Is(err, ErrMissingData) {
		t.Errorf("Expected ErrMissingData, got %v", err)
	}
}

func TestImageFolderDecodeFailure(t *testing.T) {
	root := createImageFolder(t, []string{"fox"}, 1)
	bad := filepath.Join(root, "fox", "broken.jpg")
	os.WriteFile(bad, []byte("not a jpeg"), 0o644)

	d, err := NewImageFolder(root, nil, preprocessing.NewTransform(4), nil)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < d.Len(); i++ {
		if d.Path(i) != bad {
			continue
		}
		if _, _, err := d.Get(i); !errors.IsCategory(err, errors.CategoryDecode) {
			t.Errorf("Expected decode error, got %v", err)
		}
		return
	}
	t.Fatal("broken file was not picked up")
}
