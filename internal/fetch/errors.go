package fetch

import "fmt"

// FeedError is the closed set of failure variants produced by the fetch,
// parse and full-text layers. Each variant carries the URL it concerns, a
// human description and an optional underlying cause. The unexported
// marker method keeps the set closed to this package.
type FeedError interface {
	error
	feedError()
}

type feedErr struct {
	URL         string
	Description string
	Cause       error
}

func (e feedErr) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.URL, e.Description, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.URL, e.Description)
}

func (e feedErr) Unwrap() error { return e.Cause }
func (e feedErr) feedError()    {}

// NotInitializedError reports use of the layer before configuration.
type NotInitializedError struct{ feedErr }

// FetchError reports a transport-level failure.
type FetchError struct{ feedErr }

// NotHTMLError reports a non-HTML document where HTML was required.
type NotHTMLError struct{ feedErr }

// MetaDataParseError reports an unparsable HTML head.
type MetaDataParseError struct{ feedErr }

// RSSParseError reports an unparsable feed document of any dialect.
type RSSParseError struct{ feedErr }

// NoAlternateFeedsError reports an HTML page without discoverable feeds.
type NoAlternateFeedsError struct{ feedErr }

// NoBodyError reports an empty response body.
type NoBodyError struct{ feedErr }

// NoURLError reports a missing or malformed URL.
type NoURLError struct{ feedErr }

// FullTextDecodingError reports a charset decoding failure on article HTML.
type FullTextDecodingError struct{ feedErr }

// UnsupportedContentTypeError reports a content type outside the accepted
// text/*, */xml and */json families.
type UnsupportedContentTypeError struct {
	feedErr
	MimeType string
}

// HTTPError reports a non-success status. RetryAfterSeconds is non-nil
// when the origin supplied a Retry-After header; an unparsable header
// value falls back to one hour.
type HTTPError struct {
	feedErr
	Code              int
	Message           string
	RetryAfterSeconds *int
}

func newErr(url, description string, cause error) feedErr {
	return feedErr{URL: url, Description: description, Cause: cause}
}

// Constructors for the variants other packages raise themselves.

func NewNoURLError(url, description string) *NoURLError {
	return &NoURLError{newErr(url, description, nil)}
}

func NewNotHTMLError(url, description string) *NotHTMLError {
	return &NotHTMLError{newErr(url, description, nil)}
}

func NewNoBodyError(url, description string) *NoBodyError {
	return &NoBodyError{newErr(url, description, nil)}
}
