package report

// PageOptions describes the paper of a rendered document, in inches.
type PageOptions struct {
	Width  float64
	Height float64
	Margin float64
}

// A4 is a portrait A4 sheet.
func A4() PageOptions {
	return PageOptions{Width: 8.27, Height: 11.69, Margin: 0.4}
}

// thermalWidth is an 80mm roll.
const thermalWidth = 3.15

// Thermal sizes an 80mm receipt so that lines items fit on a single strip.
func Thermal(lines int) PageOptions {
	if lines < 1 {
		lines = 1
	}
	return PageOptions{Width: thermalWidth, Height: 3.5 + 0.3*float64(lines), Margin: 0.1}
}

func (p PageOptions) orDefault() PageOptions {
	if p.Width <= 0 || p.Height <= 0 {
		return A4()
	}
	return p
}
