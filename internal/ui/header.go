package ui

import (
	"bytes"
	"html/template"
	"io"

	"subdash/internal/format"
)

// Breakpoint is the viewport width (px) at which the header switches from
// the stacked layout to the single-row layout. It matches Tailwind's md.
const Breakpoint = 768

// Layout is the arrangement of the title block and the actions row.
type Layout int

const (
	// LayoutStacked puts the actions row under the title block.
	LayoutStacked Layout = iota
	// LayoutInline puts both on one row with actions right-aligned.
	LayoutInline
)

func (l Layout) String() string {
	if l == LayoutInline {
		return "inline"
	}
	return "stacked"
}

// LayoutFor reports which layout the header uses at a viewport width.
func LayoutFor(width int) Layout {
	if width >= Breakpoint {
		return LayoutInline
	}
	return LayoutStacked
}

const headerContainer = "flex flex-col gap-4 md:flex-row md:items-center md:justify-between"

// PageHeader is the banner at the top of a page. Only Title is required;
// empty optional fields suppress their element.
type PageHeader struct {
	Title       string
	Description string
	// Icon and Actions are trusted markup.
	Icon    template.HTML
	Actions template.HTML
	// Class is merged over the container classes.
	Class string
}

type headerView struct {
	PageHeader
	Container string
}

func (h PageHeader) view() headerView {
	return headerView{PageHeader: h, Container: format.Cn(headerContainer, h.Class)}
}

func RenderPageHeader(w io.Writer, h PageHeader) error {
	return templates.ExecuteTemplate(w, "page_header", h.view())
}

// HTML renders the header for embedding in another template.
func (h PageHeader) HTML() (template.HTML, error) {
	var buf bytes.Buffer
	if err := RenderPageHeader(&buf, h); err != nil {
		return "", err
	}
	return template.HTML(buf.String()), nil
}
