package shared

import "github.com/rohanthewiz/element"

// Footer renders the page footer.
type Footer struct{}

func (f Footer) Render(b *element.Builder) any {
	b.Div("style", "color:gray; padding:12px 24px; font-size:0.85em").R(
		b.P().T("gocurate"),
	)
	return nil
}
