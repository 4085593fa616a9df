package inference

import (
	"image"
	"image/color"
	"math"
)

// recognizerInputSize is ArcFace's expected square crop size.
const recognizerInputSize = 112

// alignedCrop crops img to det's bounding box and resizes it to the
// recognizer's fixed input size, ready for normalization.
func alignedCrop(img image.Image, det Detection) image.Image {
	x := int(det.X1)
	y := int(det.Y1)
	width := int(det.X2 - det.X1)
	height := int(det.Y2 - det.Y1)
	cropped := cropImage(img, x, y, width, height)
	return resizeImage(cropped, recognizerInputSize, recognizerInputSize)
}

// toCHWNormalized converts img to a CHW float32 slice normalized to
// [-1, 1], the layout ArcFace-family recognizers expect as input.
func toCHWNormalized(img image.Image, size int) []float32 {
	resized := resizeImage(img, size, size)
	data := make([]float32, 3*size*size)

	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			r, g, b, _ := resized.At(x, y).RGBA()
			idx := y*size + x
			data[idx] = (float32(r>>8)/255.0 - 0.5) * 2.0
			data[idx+size*size] = (float32(g>>8)/255.0 - 0.5) * 2.0
			data[idx+2*size*size] = (float32(b>>8)/255.0 - 0.5) * 2.0
		}
	}

	return data
}

func cropImage(img image.Image, x, y, width, height int) image.Image {
	bounds := img.Bounds()

	if x < bounds.Min.X {
		x = bounds.Min.X
	}
	if y < bounds.Min.Y {
		y = bounds.Min.Y
	}
	if x+width > bounds.Max.X {
		width = bounds.Max.X - x
	}
	if y+height > bounds.Max.Y {
		height = bounds.Max.Y - y
	}
	if width <= 0 || height <= 0 {
		return image.NewRGBA(image.Rect(0, 0, 1, 1))
	}

	cropped := image.NewRGBA(image.Rect(0, 0, width, height))
	for j := 0; j < height; j++ {
		for i := 0; i < width; i++ {
			r, g, b, a := img.At(x+i, y+j).RGBA()
			cropped.Set(i, j, color.RGBA{R: uint8(r >> 8), G: uint8(g >> 8), B: uint8(b >> 8), A: uint8(a >> 8)})
		}
	}
	return cropped
}

func resizeImage(src image.Image, dstWidth, dstHeight int) image.Image {
	srcBounds := src.Bounds()
	srcWidth := srcBounds.Dx()
	srcHeight := srcBounds.Dy()
	if srcWidth == 0 || srcHeight == 0 {
		return image.NewRGBA(image.Rect(0, 0, dstWidth, dstHeight))
	}

	dst := image.NewRGBA(image.Rect(0, 0, dstWidth, dstHeight))
	for y := 0; y < dstHeight; y++ {
		for x := 0; x < dstWidth; x++ {
			srcX := float64(x) * float64(srcWidth) / float64(dstWidth)
			srcY := float64(y) * float64(srcHeight) / float64(dstHeight)
			r, g, b := samplePixelBilinear(src, srcX, srcY)
			dst.Set(x, y, color.RGBA{R: uint8(r), G: uint8(g), B: uint8(b), A: 255})
		}
	}
	return dst
}

func samplePixelBilinear(img image.Image, x, y float64) (float64, float64, float64) {
	bounds := img.Bounds()
	x0 := int(math.Floor(x))
	y0 := int(math.Floor(y))
	x1 := x0 + 1
	y1 := y0 + 1

	if x0 < bounds.Min.X {
		x0 = bounds.Min.X
	}
	if y0 < bounds.Min.Y {
		y0 = bounds.Min.Y
	}
	if x1 >= bounds.Max.X {
		x1 = bounds.Max.X - 1
	}
	if y1 >= bounds.Max.Y {
		y1 = bounds.Max.Y - 1
	}

	fx := x - float64(x0)
	fy := y - float64(y0)

	r00, g00, b00, _ := img.At(x0, y0).RGBA()
	r01, g01, b01, _ := img.At(x0, y1).RGBA()
	r10, g10, b10, _ := img.At(x1, y0).RGBA()
	r11, g11, b11, _ := img.At(x1, y1).RGBA()

	r00, g00, b00 = r00>>8, g00>>8, b00>>8
	r01, g01, b01 = r01>>8, g01>>8, b01>>8
	r10, g10, b10 = r10>>8, g10>>8, b10>>8
	r11, g11, b11 = r11>>8, g11>>8, b11>>8

	r := (1-fx)*(1-fy)*float64(r00) + (1-fx)*fy*float64(r01) +
		fx*(1-fy)*float64(r10) + fx*fy*float64(r11)
	g := (1-fx)*(1-fy)*float64(g00) + (1-fx)*fy*float64(g01) +
		fx*(1-fy)*float64(g10) + fx*fy*float64(g11)
	b := (1-fx)*(1-fy)*float64(b00) + (1-fx)*fy*float64(b01) +
		fx*(1-fy)*float64(b10) + fx*fy*float64(b11)

	return r, g, b
}
