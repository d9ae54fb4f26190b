package imaging

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeTestImage(t *testing.T, w, h int) string {
	t.Helper()

	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x % 256), G: uint8(y % 256), B: 64, A: 255})
		}
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode test image: %v", err)
	}
	path := filepath.Join(t.TempDir(), "source.png")
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatalf("write test image: %v", err)
	}
	return path
}

func TestSelectBestRatioPicksNearestAspect(t *testing.T) {
	cases := []struct {
		aspect float64
		want   string
	}{
		{16.0 / 9.0, "16:9"},
		{1.7, "16:9"},
		{1.0, "1:1"},
		{0.55, "9:16"},
		{1.35, "4:3"},
		{0.74, "3:4"},
		{2.4, "21:9"},
	}
	for _, tc := range cases {
		if got := SelectBestRatio(tc.aspect); got.Name != tc.want {
			t.Errorf("aspect %.3f: expected %s, got %s", tc.aspect, tc.want, got.Name)
		}
	}
}

func TestPrepareCharacterImageMatchesTargetDimensions(t *testing.T) {
	path := writeTestImage(t, 640, 480)

	ratio, ok := RatioByName("16:9")
	if !ok {
		t.Fatal("missing 16:9 ratio")
	}

	data, err := PrepareCharacterImage(path, ratio)
	if err != nil {
		t.Fatalf("prepare image: %v", err)
	}

	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("decode prepared image: %v", err)
	}
	if format != "jpeg" {
		t.Fatalf("expected jpeg output, got %s", format)
	}
	if cfg.Width != ratio.Width || cfg.Height != ratio.Height {
		t.Fatalf("expected %dx%d, got %dx%d", ratio.Width, ratio.Height, cfg.Width, cfg.Height)
	}
}

func TestSourceAspect(t *testing.T) {
	path := writeTestImage(t, 200, 100)
	aspect, err := SourceAspect(path)
	if err != nil {
		t.Fatalf("source aspect: %v", err)
	}
	if aspect != 2.0 {
		t.Fatalf("expected aspect 2.0, got %v", aspect)
	}
}

func TestImageDataURIPrefix(t *testing.T) {
	uri := ImageDataURI([]byte{0xff, 0xd8})
	if !strings.HasPrefix(uri, "data:image/jpeg;base64,") {
		t.Fatalf("unexpected data URI prefix: %s", uri)
	}
}

func TestVideoDataURIMimeByExtension(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "driver.webm")
	if err := os.WriteFile(path, []byte("fake"), 0o644); err != nil {
		t.Fatalf("write video: %v", err)
	}

	uri, err := VideoDataURI(path)
	if err != nil {
		t.Fatalf("video data uri: %v", err)
	}
	if !strings.HasPrefix(uri, "data:video/webm;base64,") {
		t.Fatalf("unexpected data URI prefix: %s", uri)
	}
}
