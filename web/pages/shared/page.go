// Package shared contains components reused across pages.
package shared

// Page carries the fields every page needs. Embed it to pick up the
// banner and footer.
type Page struct {
	Title string
}

func (p Page) Banner() Banner {
	return Banner{Title: p.Title}
}

func (p Page) Footer() Footer {
	return Footer{}
}
