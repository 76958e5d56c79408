package loaders

import (
	"image"
	"io"
	"os"
	"path/filepath"
	"strings"

	_ "image/jpeg"
	_ "image/png"

	"github.com/cockroachdb/errors"
	xdraw "golang.org/x/image/draw"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

type ImageParams struct {
	// FlipY stores the bottom row first.
	FlipY bool
	// MaxSize downscales images whose larger side exceeds it. Zero keeps the
	// original size.
	MaxSize uint32
}

// ImageData is tightly packed RGBA8, ready for an image upload.
type ImageData struct {
	Width  uint32
	Height uint32
	Pixels []byte
}

type ImageLoader struct{}

func (il *ImageLoader) Load(path string, params any) (*Resource, error) {
	var p ImageParams
	if typed, ok := params.(*ImageParams); ok && typed != nil {
		p = *typed
	}
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	data, err := DecodeImage(file, p)
	if err != nil {
		return nil, errors.Wrapf(err, "decoding %s", path)
	}
	return &Resource{
		Name:     strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)),
		FullPath: path,
		Type:     ResourceTypeImage,
		DataSize: uint64(len(data.Pixels)),
		Data:     data,
	}, nil
}

func (il *ImageLoader) Unload(res *Resource) error {
	res.Data = nil
	return nil
}

// DecodeImage decodes any registered format (png, jpeg, bmp, tiff, webp)
// into RGBA8.
func DecodeImage(r io.Reader, p ImageParams) (*ImageData, error) {
	src, _, err := image.Decode(r)
	if err != nil {
		return nil, err
	}
	rgba := ToRGBA(src, p.MaxSize)
	if p.FlipY {
		flipRows(rgba)
	}
	b := rgba.Bounds()
	return &ImageData{
		Width:  uint32(b.Dx()),
		Height: uint32(b.Dy()),
		Pixels: rgba.Pix,
	}, nil
}

// ToRGBA converts src to a zero origin RGBA image with a packed stride,
// scaling it down when its larger side exceeds maxSize.
func ToRGBA(src image.Image, maxSize uint32) *image.RGBA {
	sb := src.Bounds()
	w, h := sb.Dx(), sb.Dy()
	if maxSize > 0 && (w > int(maxSize) || h > int(maxSize)) {
		if w >= h {
			h = max(1, h*int(maxSize)/w)
			w = int(maxSize)
		} else {
			w = max(1, w*int(maxSize)/h)
			h = int(maxSize)
		}
		dst := image.NewRGBA(image.Rect(0, 0, w, h))
		xdraw.BiLinear.Scale(dst, dst.Bounds(), src, sb, xdraw.Src, nil)
		return dst
	}
	if rgba, ok := src.(*image.RGBA); ok && sb.Min == (image.Point{}) && rgba.Stride == 4*w {
		return rgba
	}
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	xdraw.Copy(dst, image.Point{}, src, sb, xdraw.Src, nil)
	return dst
}

func flipRows(img *image.RGBA) {
	h := img.Bounds().Dy()
	row := make([]byte, img.Stride)
	for y := 0; y < h/2; y++ {
		top := img.Pix[y*img.Stride : (y+1)*img.Stride]
		bottom := img.Pix[(h-1-y)*img.Stride : (h-y)*img.Stride]
		copy(row, top)
		copy(top, bottom)
		copy(bottom, row)
	}
}
