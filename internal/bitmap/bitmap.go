// Package bitmap holds CPU-side tile pixels in the formats the GPU upload path
// understands.
package bitmap

import (
	"encoding/binary"
	"errors"
	"fmt"
	"image"
	"image/color"
)

type Format uint8

const (
	FormatARGB8888 Format = iota + 1
	FormatARGB4444
	FormatRGB565
	FormatIndex8
)

func (f Format) String() string {
	switch f {
	case FormatARGB8888:
		return "ARGB8888"
	case FormatARGB4444:
		return "ARGB4444"
	case FormatRGB565:
		return "RGB565"
	case FormatIndex8:
		return "Index8"
	default:
		return fmt.Sprintf("Format(%d)", uint8(f))
	}
}

// BytesPerPixel returns the storage size of one pixel.
func (f Format) BytesPerPixel() int {
	switch f {
	case FormatARGB8888:
		return 4
	case FormatARGB4444, FormatRGB565:
		return 2
	case FormatIndex8:
		return 1
	default:
		return 0
	}
}

// AlphaChannelData records whether a bitmap has meaningful transparency.
type AlphaChannelData uint8

const (
	AlphaUndefined AlphaChannelData = iota
	AlphaPresent
	AlphaNotPresent
)

// Bitmap is a tightly described pixel buffer. ARGB8888 is stored as
// non-premultiplied R,G,B,A bytes; 16-bit formats are little-endian words;
// Index8 pixels index into Palette.
type Bitmap struct {
	Width   int
	Height  int
	Format  Format
	Stride  int
	Pix     []byte
	Palette color.Palette
}

func New(width, height int, format Format) *Bitmap {
	stride := width * format.BytesPerPixel()
	return &Bitmap{
		Width:  width,
		Height: height,
		Format: format,
		Stride: stride,
		Pix:    make([]byte, stride*height),
	}
}

// FromImage copies any image into a new ARGB8888 bitmap.
func FromImage(img image.Image) *Bitmap {
	r := img.Bounds()
	b := New(r.Dx(), r.Dy(), FormatARGB8888)
	for y := 0; y < b.Height; y++ {
		for x := 0; x < b.Width; x++ {
			c := color.NRGBAModel.Convert(img.At(r.Min.X+x, r.Min.Y+y)).(color.NRGBA)
			b.setNRGBA(x, y, c)
		}
	}
	return b
}

func (b *Bitmap) ColorModel() color.Model { return color.NRGBAModel }

func (b *Bitmap) Bounds() image.Rectangle { return image.Rect(0, 0, b.Width, b.Height) }

func (b *Bitmap) At(x, y int) color.Color { return b.NRGBAAt(x, y) }

func (b *Bitmap) NRGBAAt(x, y int) color.NRGBA {
	if x < 0 || y < 0 || x >= b.Width || y >= b.Height {
		return color.NRGBA{}
	}
	off := y*b.Stride + x*b.Format.BytesPerPixel()
	switch b.Format {
	case FormatARGB8888:
		p := b.Pix[off : off+4]
		return color.NRGBA{R: p[0], G: p[1], B: p[2], A: p[3]}
	case FormatARGB4444:
		v := binary.LittleEndian.Uint16(b.Pix[off:])
		return color.NRGBA{
			A: expand4(uint8(v >> 12)),
			R: expand4(uint8(v >> 8)),
			G: expand4(uint8(v >> 4)),
			B: expand4(uint8(v)),
		}
	case FormatRGB565:
		v := binary.LittleEndian.Uint16(b.Pix[off:])
		return color.NRGBA{
			R: uint8((v>>11)&0x1f)<<3 | uint8((v>>13)&0x7),
			G: uint8((v>>5)&0x3f)<<2 | uint8((v>>9)&0x3),
			B: uint8(v&0x1f)<<3 | uint8((v>>2)&0x7),
			A: 0xff,
		}
	case FormatIndex8:
		idx := int(b.Pix[off])
		if idx >= len(b.Palette) {
			return color.NRGBA{}
		}
		return color.NRGBAModel.Convert(b.Palette[idx]).(color.NRGBA)
	}
	return color.NRGBA{}
}

func (b *Bitmap) SetNRGBA(x, y int, c color.NRGBA) {
	if x < 0 || y < 0 || x >= b.Width || y >= b.Height {
		return
	}
	b.setNRGBA(x, y, c)
}

func (b *Bitmap) setNRGBA(x, y int, c color.NRGBA) {
	off := y*b.Stride + x*b.Format.BytesPerPixel()
	switch b.Format {
	case FormatARGB8888:
		p := b.Pix[off : off+4]
		p[0], p[1], p[2], p[3] = c.R, c.G, c.B, c.A
	case FormatARGB4444:
		v := uint16(c.A>>4)<<12 | uint16(c.R>>4)<<8 | uint16(c.G>>4)<<4 | uint16(c.B>>4)
		binary.LittleEndian.PutUint16(b.Pix[off:], v)
	case FormatRGB565:
		v := uint16(c.R>>3)<<11 | uint16(c.G>>2)<<5 | uint16(c.B>>3)
		binary.LittleEndian.PutUint16(b.Pix[off:], v)
	case FormatIndex8:
		b.Pix[off] = uint8(b.Palette.Index(c))
	}
}

func expand4(v uint8) uint8 {
	v &= 0xf
	return v<<4 | v
}

// IsOpaque scans every pixel and reports whether all are fully opaque.
func (b *Bitmap) IsOpaque() bool {
	if b.Format == FormatRGB565 {
		return true
	}
	for y := 0; y < b.Height; y++ {
		for x := 0; x < b.Width; x++ {
			if b.NRGBAAt(x, y).A != 0xff {
				return false
			}
		}
	}
	return true
}

// ConvertTo returns a deep copy of b in format. Converting to Index8 is not
// supported; palettes only come from providers.
func (b *Bitmap) ConvertTo(format Format) (*Bitmap, error) {
	if format == FormatIndex8 {
		return nil, errors.New("bitmap: conversion to Index8 is not supported")
	}
	if format.BytesPerPixel() == 0 {
		return nil, fmt.Errorf("bitmap: unknown format %v", format)
	}
	out := New(b.Width, b.Height, format)
	for y := 0; y < b.Height; y++ {
		for x := 0; x < b.Width; x++ {
			out.setNRGBA(x, y, b.NRGBAAt(x, y))
		}
	}
	return out, nil
}

func (b *Bitmap) Clone() *Bitmap {
	out := *b
	out.Pix = append([]byte(nil), b.Pix...)
	if b.Palette != nil {
		out.Palette = append(color.Palette(nil), b.Palette...)
	}
	return &out
}

const headerSize = 13

// MarshalBinary encodes width, height, format, stride and pixels. Palettes are
// appended as NRGBA quads.
func (b *Bitmap) MarshalBinary() ([]byte, error) {
	buf := make([]byte, headerSize, headerSize+len(b.Pix)+4*len(b.Palette))
	binary.LittleEndian.PutUint32(buf[0:], uint32(b.Width))
	binary.LittleEndian.PutUint32(buf[4:], uint32(b.Height))
	binary.LittleEndian.PutUint32(buf[8:], uint32(b.Stride))
	buf[12] = byte(b.Format)
	buf = append(buf, b.Pix...)
	for _, c := range b.Palette {
		n := color.NRGBAModel.Convert(c).(color.NRGBA)
		buf = append(buf, n.R, n.G, n.B, n.A)
	}
	return buf, nil
}

func (b *Bitmap) UnmarshalBinary(data []byte) error {
	if len(data) < headerSize {
		return errors.New("bitmap: short header")
	}
	w := int(binary.LittleEndian.Uint32(data[0:]))
	h := int(binary.LittleEndian.Uint32(data[4:]))
	stride := int(binary.LittleEndian.Uint32(data[8:]))
	format := Format(data[12])
	if format.BytesPerPixel() == 0 || stride < w*format.BytesPerPixel() {
		return fmt.Errorf("bitmap: invalid layout %v stride %d", format, stride)
	}
	size := stride * h
	rest := data[headerSize:]
	if len(rest) < size {
		return fmt.Errorf("bitmap: expected %d pixel bytes, got %d", size, len(rest))
	}
	b.Width, b.Height, b.Stride, b.Format = w, h, stride, format
	b.Pix = append([]byte(nil), rest[:size]...)
	b.Palette = nil
	rest = rest[size:]
	for len(rest) >= 4 {
		b.Palette = append(b.Palette, color.NRGBA{R: rest[0], G: rest[1], B: rest[2], A: rest[3]})
		rest = rest[4:]
	}
	return nil
}
