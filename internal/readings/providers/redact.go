package providers

import (
	"errors"
	"net/url"
	"strings"
)

// RedactURL drops the query string and user info of raw. Query strings carry API keys
// and, for the authorize step, the account password.
func RedactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		if i := strings.IndexAny(raw, "?#"); i >= 0 {
			return raw[:i]
		}
		return raw
	}
	u.RawQuery = ""
	u.ForceQuery = false
	u.Fragment = ""
	u.User = nil
	return u.String()
}

// RedactError strips the query string from every *url.Error in err's chain and returns err.
func RedactError(err error) error {
	for e := err; e != nil; {
		var ue *url.Error
		if !errors.As(e, &ue) {
			break
		}
		ue.URL = RedactURL(ue.URL)
		e = ue.Err
	}
	return err
}
