package notify

import (
	"fmt"
	"strings"

	"rentwatch/internal/model"
)

// FormatMessage renders the chat text for one classified listing.
func FormatMessage(c model.Classified, location string) string {
	l := c.Listing
	var b strings.Builder
	switch c.Kind {
	case model.KindChanged:
		fmt.Fprintf(&b, "Price changed in %s\n", location)
		fmt.Fprintf(&b, "Price: £%s, Old Price: £%s\n", l.Price.String(), c.OldPrice.String())
	default:
		fmt.Fprintf(&b, "New property found in %s\n", location)
		fmt.Fprintf(&b, "Price: £%s\n", l.Price.String())
	}
	fmt.Fprintf(&b, "Bedrooms: %d\n", l.Bedrooms)
	fmt.Fprintf(&b, "Bathrooms: %d\n", l.Bathrooms)
	fmt.Fprintf(&b, "Address: %s\n", l.DisplayAddress)
	fmt.Fprintf(&b, "Url: %s\n", l.URL)
	return b.String()
}
