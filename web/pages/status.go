// Package pages contains the server-rendered pages.
package pages

import (
	"fmt"
	"strconv"

	"gocurate/models"
	"gocurate/web/pages/shared"

	"github.com/rohanthewiz/element"
)

// Status is the operator landing page: role, sync engine state, queue
// counts and the latest failures at a glance.
type Status struct {
	shared.Page
	Mode     string
	Engine   *models.SyncEngineStatus
	Failures []models.ChangeRecord
	Recent   []models.ChangeRecord
}

func (s Status) Render() (out string) {
	b := element.NewBuilder()

	b.Html().R(
		b.Head().R(
			b.Title().T(s.Title),
			b.Meta("charset", "utf-8"),
		),
		b.Body("style", "font-family:sans-serif; margin:0; background-color:#f5f5f5").R(
			element.RenderComponents(b, s.Banner()),
			b.Main("style", "padding:24px").R(
				b.Section().R(
					b.H2().T("Mode"),
					b.P().T(s.Mode),
				),
				b.Wrap(func() {
					if s.Engine != nil {
						s.renderEngine(b)
						s.renderQueue(b)
					}
					if len(s.Failures) > 0 {
						s.renderChanges(b, "Failed changes", s.Failures, true)
					}
					if len(s.Recent) > 0 {
						s.renderChanges(b, "Recent changes", s.Recent, false)
					}
				}),
			),
			element.RenderComponents(b, s.Footer()),
		),
	)

	return b.String()
}

func (s Status) renderEngine(b *element.Builder) {
	st := s.Engine
	enabled := "disabled"
	if st.Enabled {
		enabled = "enabled"
	}
	lastSync := "never"
	if st.LastSync != nil {
		lastSync = st.LastSync.Format("2006-01-02 15:04:05")
	}

	b.Section().R(
		b.H2().T("Sync engine"),
		b.Ul().R(
			b.Li().T("State: "+enabled),
			b.Li().T("Last sync: "+lastSync),
			b.Wrap(func() {
				if st.LastError != "" {
					b.Li("style", "color:#c0392b").T("Last error: " + st.LastError)
				}
				if st.ConsecutiveFailures > 0 {
					b.Li().T("Consecutive failures: " + strconv.Itoa(st.ConsecutiveFailures))
				}
			}),
		),
	)
}

func (s Status) renderQueue(b *element.Builder) {
	q := s.Engine.Queue
	b.Section().R(
		b.H2().T("Queue"),
		b.Table("style", "border-collapse:collapse").R(
			b.Tr().R(
				b.Th("style", thStyle).T("Pending"),
				b.Th("style", thStyle).T("In flight"),
				b.Th("style", thStyle).T("Synced"),
				b.Th("style", thStyle).T("Failed"),
			),
			b.Tr().R(
				b.Td("style", tdStyle).T(strconv.FormatInt(q.Pending, 10)),
				b.Td("style", tdStyle).T(strconv.FormatInt(q.InFlight, 10)),
				b.Td("style", tdStyle).T(strconv.FormatInt(q.Synced, 10)),
				b.Td("style", tdStyle).T(strconv.FormatInt(q.Failed, 10)),
			),
		),
	)
}

const (
	thStyle = "border:1px solid #ccc; padding:4px 12px; background-color:#eee; text-align:left"
	tdStyle = "border:1px solid #ccc; padding:4px 12px"
)

func (s Status) renderChanges(b *element.Builder, heading string, recs []models.ChangeRecord, withError bool) {
	b.Section().R(
		b.H2().T(heading),
		b.Table("style", "border-collapse:collapse").R(
			b.Tr().R(
				b.Th("style", thStyle).T("Seq"),
				b.Th("style", thStyle).T("Table"),
				b.Th("style", thStyle).T("Key"),
				b.Th("style", thStyle).T("Type"),
				b.Th("style", thStyle).T("State"),
				b.Wrap(func() {
					if withError {
						b.Th("style", thStyle).T("Error")
					}
				}),
			),
			b.Wrap(func() {
				for _, rec := range recs {
					b.Tr().R(
						b.Td("style", tdStyle).T(fmt.Sprintf("%d", rec.Sequence)),
						b.Td("style", tdStyle).T(rec.TableName),
						b.Td("style", tdStyle).T(rec.RowKey),
						b.Td("style", tdStyle).T(models.ChangeTypeName(rec.ChangeType)),
						b.Td("style", tdStyle).T(models.SyncStateName(rec.SyncState)),
						b.Wrap(func() {
							if withError {
								b.Td("style", tdStyle).T(rec.LastError.String)
							}
						}),
					)
				}
			}),
		),
	)
}
