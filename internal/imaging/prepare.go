package imaging

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image"
	"image/jpeg"
	_ "image/png"
	"math"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"
)

// Ratio is one of the aspect ratios the Act-Two API accepts, with the
// dimension string the API expects on the wire.
type Ratio struct {
	Name     string
	APIValue string
	Width    int
	Height   int
	Aspect   float64
}

// Ratios lists every supported Act-Two output ratio.
var Ratios = []Ratio{
	{Name: "16:9", APIValue: "1280:720", Width: 1280, Height: 720, Aspect: 16.0 / 9.0},
	{Name: "9:16", APIValue: "720:1280", Width: 720, Height: 1280, Aspect: 9.0 / 16.0},
	{Name: "1:1", APIValue: "960:960", Width: 960, Height: 960, Aspect: 1.0},
	{Name: "4:3", APIValue: "1104:832", Width: 1104, Height: 832, Aspect: 4.0 / 3.0},
	{Name: "3:4", APIValue: "832:1104", Width: 832, Height: 1104, Aspect: 3.0 / 4.0},
	{Name: "21:9", APIValue: "1584:672", Width: 1584, Height: 672, Aspect: 21.0 / 9.0},
}

func RatioByName(name string) (Ratio, bool) {
	for _, r := range Ratios {
		if r.Name == name {
			return r, true
		}
	}
	return Ratio{}, false
}

// SelectBestRatio picks the supported ratio closest to the source
// aspect, minimizing how much of the image the crop discards.
func SelectBestRatio(aspect float64) Ratio {
	best := Ratios[0]
	minDiff := math.Abs(aspect - best.Aspect)
	for _, r := range Ratios[1:] {
		if diff := math.Abs(aspect - r.Aspect); diff < minDiff {
			minDiff = diff
			best = r
		}
	}
	return best
}

// SourceAspect reads just the image header to get its aspect ratio.
func SourceAspect(path string) (float64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("open image %s: %w", path, err)
	}
	defer f.Close()

	cfg, _, err := image.DecodeConfig(f)
	if err != nil {
		return 0, fmt.Errorf("decode image header %s: %w", path, err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return 0, fmt.Errorf("image %s has invalid dimensions %dx%d", path, cfg.Width, cfg.Height)
	}
	return float64(cfg.Width) / float64(cfg.Height), nil
}

// PrepareCharacterImage center-crops the source to the target aspect
// and rescales it to the exact API dimensions, returning JPEG bytes.
func PrepareCharacterImage(path string, ratio Ratio) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read image %s: %w", path, err)
	}

	src, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode image %s: %w", path, err)
	}

	cropped := centerCrop(src, ratio.Aspect)

	dst := image.NewRGBA(image.Rect(0, 0, ratio.Width, ratio.Height))
	draw.CatmullRom.Scale(dst, dst.Bounds(), cropped, cropped.Bounds(), draw.Over, nil)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, dst, &jpeg.Options{Quality: 95}); err != nil {
		return nil, fmt.Errorf("encode prepared image: %w", err)
	}
	return buf.Bytes(), nil
}

func centerCrop(src image.Image, targetAspect float64) image.Image {
	bounds := src.Bounds()
	srcW := bounds.Dx()
	srcH := bounds.Dy()
	currentAspect := float64(srcW) / float64(srcH)

	var rect image.Rectangle
	if currentAspect > targetAspect {
		// Wider than target: crop width, centered.
		newW := int(float64(srcH) * targetAspect)
		left := bounds.Min.X + (srcW-newW)/2
		rect = image.Rect(left, bounds.Min.Y, left+newW, bounds.Max.Y)
	} else {
		// Taller than target: crop height, centered.
		newH := int(float64(srcW) / targetAspect)
		top := bounds.Min.Y + (srcH-newH)/2
		rect = image.Rect(bounds.Min.X, top, bounds.Max.X, top+newH)
	}

	cropped := image.NewRGBA(image.Rect(0, 0, rect.Dx(), rect.Dy()))
	draw.Copy(cropped, image.Point{}, src, rect, draw.Src, nil)
	return cropped
}

// ImageDataURI wraps prepared JPEG bytes as a base64 data URI.
func ImageDataURI(jpegData []byte) string {
	return "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(jpegData)
}

// VideoDataURI reads a driver video and encodes it as a data URI,
// sniffing the MIME type from the extension.
func VideoDataURI(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read driver video %s: %w", path, err)
	}

	mimeType := "video/mp4"
	switch strings.ToLower(filepath.Ext(path)) {
	case ".mov":
		mimeType = "video/quicktime"
	case ".webm":
		mimeType = "video/webm"
	}
	return "data:" + mimeType + ";base64," + base64.StdEncoding.EncodeToString(data), nil
}
