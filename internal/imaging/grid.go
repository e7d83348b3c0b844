package imaging

import (
	"image"
	"image/color"
	"image/draw"

	"github.com/gomlx/gomlx/types/tensors"
	"github.com/pkg/errors"
)

// gridPadding is the white border drawn between and around grid cells.
const gridPadding = 1

// Grid arranges equally sized images into a grid with cols columns, a white
// 1-pixel border between cells and around the edge. The last row is padded
// with blank cells when the count does not divide evenly.
func Grid(images []image.Image, cols int) (*image.RGBA, error) {
	if len(images) == 0 {
		return nil, errors.New("no images to arrange")
	}
	if cols <= 0 {
		return nil, errors.Errorf("grid columns must be positive, got %d", cols)
	}
	cellW := images[0].Bounds().Dx()
	cellH := images[0].Bounds().Dy()
	for ii, img := range images {
		if img.Bounds().Dx() != cellW || img.Bounds().Dy() != cellH {
			return nil, errors.Errorf("image %d is %dx%d, grid cells are %dx%d",
				ii, img.Bounds().Dx(), img.Bounds().Dy(), cellW, cellH)
		}
	}
	rows := (len(images) + cols - 1) / cols
	grid := image.NewRGBA(image.Rect(0, 0,
		cols*(cellW+gridPadding)+gridPadding,
		rows*(cellH+gridPadding)+gridPadding))
	draw.Draw(grid, grid.Bounds(), image.NewUniform(color.White), image.Point{}, draw.Src)
	for ii, img := range images {
		x0 := gridPadding + (ii%cols)*(cellW+gridPadding)
		y0 := gridPadding + (ii/cols)*(cellH+gridPadding)
		draw.Draw(grid, image.Rect(x0, y0, x0+cellW, y0+cellH), img, img.Bounds().Min, draw.Src)
	}
	return grid, nil
}

// SaveGrid renders a batch tensor as a PNG grid with cols columns.
func SaveGrid(t *tensors.Tensor, cols int, path string) error {
	grid, err := Grid(ToImages(t), cols)
	if err != nil {
		return err
	}
	return SavePNG(grid, path)
}
