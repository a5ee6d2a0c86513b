package httpapi

import (
	"errors"
	"net/http"
)

// mergeFields folds the URL query string and the form body into a single
// flat field map, per §4.5/§6: a key present in both is a client error, not
// a silent override or concatenation — the master.py ancestor's cgi-based
// merge never distinguished the two, this design makes the ambiguity an
// explicit 400.
func mergeFields(r *http.Request) (map[string]string, error) {
	if err := r.ParseForm(); err != nil {
		return nil, err
	}

	query := r.URL.Query()
	out := make(map[string]string, len(r.Form))

	for k, vs := range query {
		if len(vs) == 0 {
			continue
		}
		out[k] = vs[0]
	}

	if err := r.ParseMultipartForm(32 << 20); err != nil && err != http.ErrNotMultipart {
		return nil, err
	}
	body := bodyValues(r)

	for k, vs := range body {
		if len(vs) == 0 {
			continue
		}
		if _, dup := query[k]; dup {
			return nil, errors.New("Duplicate argumets.")
		}
		out[k] = vs[0]
	}

	return out, nil
}

// bodyValues returns form-body values only, excluding what ParseForm also
// folded in from the query string (r.Form merges both; r.PostForm is
// body-only for application/x-www-form-urlencoded and multipart requests).
func bodyValues(r *http.Request) map[string][]string {
	if r.MultipartForm != nil {
		return r.MultipartForm.Value
	}
	return r.PostForm
}
