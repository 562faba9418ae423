package imagebuf

import (
	"fmt"
	"image"
	"image/color"
)

// FromImage copies an image.Image into a packed ImageBuffer. Gray images
// become one channel, opaque images three (RGB), anything else four (non
// premultiplied RGBA).
//
// Parameters:
//   - src: The source image; must have a non-empty bounds rectangle
//
// Returns:
//   - The packed buffer, or an error wrapping ErrInvalidImage
func FromImage(src image.Image) (*ImageBuffer, error) {
	if src == nil {
		return nil, fmt.Errorf("%w: nil image", ErrInvalidImage)
	}

	bounds := src.Bounds()
	w, h := bounds.Dx(), bounds.Dy()

	switch s := src.(type) {
	case *image.Gray:
		out, err := New(w, h, 1)
		if err != nil {
			return nil, err
		}
		for y := 0; y < h; y++ {
			off := s.PixOffset(bounds.Min.X, bounds.Min.Y+y)
			copy(out.Pix[y*w:(y+1)*w], s.Pix[off:off+w])
		}
		return out, nil
	}

	channels := 4
	if opaque, ok := src.(interface{ Opaque() bool }); ok && opaque.Opaque() {
		channels = 3
	}

	out, err := New(w, h, channels)
	if err != nil {
		return nil, err
	}

	i := 0
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			c := color.NRGBAModel.Convert(src.At(x, y)).(color.NRGBA)
			out.Pix[i] = c.R
			out.Pix[i+1] = c.G
			out.Pix[i+2] = c.B
			if channels == 4 {
				out.Pix[i+3] = c.A
			}
			i += channels
		}
	}

	return out, nil
}

// ToImage converts the buffer into a standard library image: *image.Gray for
// one channel, *image.NRGBA otherwise. Two-channel buffers are treated as
// gray plus alpha.
//
// Returns:
//   - The image, or an error wrapping ErrInvalidImage if b is not valid
func (b *ImageBuffer) ToImage() (image.Image, error) {
	if err := b.Validate(); err != nil {
		return nil, err
	}

	rect := image.Rect(0, 0, b.Width, b.Height)
	if b.Channels == 1 {
		g := image.NewGray(rect)
		copy(g.Pix, b.Pix)
		return g, nil
	}

	dst := image.NewNRGBA(rect)
	n := b.Width * b.Height
	for p := 0; p < n; p++ {
		src := b.Pix[p*b.Channels : (p+1)*b.Channels]
		d := dst.Pix[p*4 : p*4+4]
		switch b.Channels {
		case 2:
			d[0], d[1], d[2], d[3] = src[0], src[0], src[0], src[1]
		case 3:
			d[0], d[1], d[2], d[3] = src[0], src[1], src[2], 0xff
		default:
			copy(d, src)
		}
	}

	return dst, nil
}
