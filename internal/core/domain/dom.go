package domain

// Element is the subset of a DOM element the instrumentation inspects.
// Zero values stand in for missing attributes.
type Element struct {
	TagName     string
	ID          string
	Classes     []string
	Href        string
	InnerText   string
	TextContent string
	Alt         string
}

// ScrollPosition is the document geometry sampled on a scroll tick.
type ScrollPosition struct {
	ScrollTop      float64
	ScrollHeight   float64
	ViewportHeight float64
}
