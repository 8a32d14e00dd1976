package shared

import "github.com/rohanthewiz/element"

// Banner renders the page header strip.
type Banner struct {
	Title string
}

func (bn Banner) Render(b *element.Builder) any {
	b.Header("style", "background-color:#2c3e50; color:white; padding:16px 24px").R(
		b.H1("style", "margin:0; font-size:1.4em").T(bn.Title),
	)
	return nil
}
