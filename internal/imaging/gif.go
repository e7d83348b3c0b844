package imaging

import (
	"image"
	"image/color/palette"
	"image/draw"
	"image/gif"
	"os"

	"github.com/pkg/errors"
)

// finalFrameDelay holds the last frame of an animation for two seconds, so
// the finished sample stays on screen before the loop restarts.
const finalFrameDelay = 200

// AnimateGIF writes frames as a looping GIF at path. The delay between
// frames is in hundredths of a second; the final frame is held longer. All
// frames must share the same dimensions.
func AnimateGIF(frames []image.Image, path string, delay int) error {
	if len(frames) == 0 {
		return errors.New("no frames to animate")
	}
	if delay < 0 {
		return errors.Errorf("frame delay must not be negative, got %d", delay)
	}
	bounds := image.Rect(0, 0, frames[0].Bounds().Dx(), frames[0].Bounds().Dy())
	anim := &gif.GIF{LoopCount: 0}
	for ii, frame := range frames {
		if frame.Bounds().Dx() != bounds.Dx() || frame.Bounds().Dy() != bounds.Dy() {
			return errors.Errorf("frame %d is %dx%d, animation frames are %dx%d",
				ii, frame.Bounds().Dx(), frame.Bounds().Dy(), bounds.Dx(), bounds.Dy())
		}
		paletted := image.NewPaletted(bounds, palette.Plan9)
		draw.FloydSteinberg.Draw(paletted, bounds, frame, frame.Bounds().Min)
		anim.Image = append(anim.Image, paletted)
		anim.Delay = append(anim.Delay, delay)
	}
	anim.Delay[len(anim.Delay)-1] = max(delay, finalFrameDelay)

	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "failed to create %q", path)
	}
	if err = gif.EncodeAll(f, anim); err != nil {
		_ = f.Close()
		return errors.Wrapf(err, "failed to encode %q", path)
	}
	return errors.Wrapf(f.Close(), "failed to close %q", path)
}
