package display

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
	"github.com/muesli/termenv"
)

// Color is a terminal foreground color
type Color int

const (
	ColorReset Color = iota
	ColorRed
	ColorGreen
	ColorYellow
	ColorBlue
	ColorCyan
	ColorWhite
	ColorBrightRed
	ColorBrightGreen
	ColorBrightYellow
	ColorBrightBlue
	ColorBrightCyan
	ColorBrightWhite
)

// ColorTheme maps message roles onto colors
type ColorTheme struct {
	Primary Color
	Success Color
	Warning Color
	Error   Color
	Info    Color
	Muted   Color
}

// ColorSystem applies theme colors when the terminal supports them
type ColorSystem struct {
	theme    ColorTheme
	enabled  bool
	profile  termenv.Profile
	colorMap map[Color]*color.Color
}

// NewColorSystem creates a color system. Colors are used only when enabled
// is set and stdout is a color capable terminal.
func NewColorSystem(theme ColorTheme, enabled bool) *ColorSystem {
	cs := &ColorSystem{
		theme:   theme,
		profile: termenv.ColorProfile(),
		colorMap: map[Color]*color.Color{
			ColorReset:        color.New(color.Reset),
			ColorRed:          color.New(color.FgRed),
			ColorGreen:        color.New(color.FgGreen),
			ColorYellow:       color.New(color.FgYellow),
			ColorBlue:         color.New(color.FgBlue),
			ColorCyan:         color.New(color.FgCyan),
			ColorWhite:        color.New(color.FgWhite),
			ColorBrightRed:    color.New(color.FgHiRed),
			ColorBrightGreen:  color.New(color.FgHiGreen),
			ColorBrightYellow: color.New(color.FgHiYellow),
			ColorBrightBlue:   color.New(color.FgHiBlue),
			ColorBrightCyan:   color.New(color.FgHiCyan),
			ColorBrightWhite:  color.New(color.FgHiWhite),
		},
	}
	cs.enabled = enabled && detectColorSupport() && cs.profile != termenv.Ascii
	for _, c := range cs.colorMap {
		if cs.enabled {
			c.EnableColor()
		} else {
			c.DisableColor()
		}
	}
	return cs
}

func detectColorSupport() bool {
	fd := os.Stdout.Fd()
	if !isatty.IsTerminal(fd) && !isatty.IsCygwinTerminal(fd) {
		return os.Getenv("FORCE_COLOR") != ""
	}
	if os.Getenv("NO_COLOR") != "" || os.Getenv("TERM") == "dumb" {
		return false
	}
	return true
}

// Enabled reports whether output is colorized
func (cs *ColorSystem) Enabled() bool {
	return cs.enabled
}

// Theme returns the active theme
func (cs *ColorSystem) Theme() ColorTheme {
	return cs.theme
}

// Colorize wraps text in the color's escape codes
func (cs *ColorSystem) Colorize(text string, clr Color) string {
	if !cs.enabled {
		return text
	}
	if c, ok := cs.colorMap[clr]; ok {
		return c.Sprint(text)
	}
	return text
}

// Sprintf formats and colorizes
func (cs *ColorSystem) Sprintf(clr Color, format string, args ...interface{}) string {
	return cs.Colorize(fmt.Sprintf(format, args...), clr)
}

// DarkColorTheme suits dark terminal backgrounds
func DarkColorTheme() ColorTheme {
	return ColorTheme{
		Primary: ColorBrightBlue,
		Success: ColorBrightGreen,
		Warning: ColorBrightYellow,
		Error:   ColorBrightRed,
		Info:    ColorCyan,
		Muted:   ColorWhite,
	}
}

// LightColorTheme suits light terminal backgrounds
func LightColorTheme() ColorTheme {
	return ColorTheme{
		Primary: ColorBlue,
		Success: ColorGreen,
		Warning: ColorYellow,
		Error:   ColorRed,
		Info:    ColorCyan,
		Muted:   ColorReset,
	}
}

// HighContrastColorTheme uses only bright colors
func HighContrastColorTheme() ColorTheme {
	return ColorTheme{
		Primary: ColorBrightWhite,
		Success: ColorBrightGreen,
		Warning: ColorBrightYellow,
		Error:   ColorBrightRed,
		Info:    ColorBrightCyan,
		Muted:   ColorWhite,
	}
}

// GetThemeByName returns a theme, defaulting to dark. "auto" picks light or
// dark from the terminal background.
func GetThemeByName(name string) ColorTheme {
	switch name {
	case ThemeLight:
		return LightColorTheme()
	case ThemeHighContrast:
		return HighContrastColorTheme()
	case ThemeAuto:
		if !termenv.HasDarkBackground() {
			return LightColorTheme()
		}
		return DarkColorTheme()
	default:
		return DarkColorTheme()
	}
}
