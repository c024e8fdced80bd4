package trace

// HTTPData describes the HTTP exchange a segment covers.
type HTTPData struct {
	Request  *RequestData  `json:"request,omitempty"`
	Response *ResponseData `json:"response,omitempty"`
}

// RequestData is the request half of HTTPData.
type RequestData struct {
	Method    string `json:"method,omitempty"`
	URL       string `json:"url,omitempty"`
	ClientIP  string `json:"client_ip,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`
}

// ResponseData is the response half of HTTPData.
type ResponseData struct {
	Status        int   `json:"status,omitempty"`
	ContentLength int64 `json:"content_length,omitempty"`
}

// SQLData describes a database call attached to a segment. Queries are
// recorded in sanitized form only; never put bind parameter values here.
type SQLData struct {
	SanitizedQuery string `json:"sanitized_query,omitempty"`
	DatabaseType   string `json:"database_type,omitempty"`
	User           string `json:"user,omitempty"`
	URL            string `json:"url,omitempty"`
}
