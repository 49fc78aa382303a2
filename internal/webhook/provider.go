package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"regexp"
	"strings"
)

// ErrInvalidSignature is returned when a delivery fails verification.
var ErrInvalidSignature = errors.New("invalid webhook signature")

// Provider is one git hosting service. Each provider parses its own native
// payload shape; the route, not the payload, selects the provider.
type Provider interface {
	Name() string
	// Parse returns nil when required fields are missing or body is not JSON.
	Parse(body []byte) *Payload
	// Verify checks the delivery signature or token against secret in constant time.
	Verify(body []byte, header http.Header, secret string) bool
	IsPush(header http.Header) bool
	// SignatureHeader names the header carrying the signature or token.
	SignatureHeader() string
}

var providers = map[string]Provider{
	"github":    GitHub{},
	"gitlab":    GitLab{},
	"bitbucket": Bitbucket{},
}

// Lookup returns the provider registered under name.
func Lookup(name string) (Provider, bool) {
	p, ok := providers[strings.ToLower(strings.TrimSpace(name))]
	return p, ok
}

// Sign returns the hex HMAC-SHA256 of body.
func Sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func verifyHMAC(body []byte, secret, header string) bool {
	if secret == "" {
		return false
	}
	provided, ok := strings.CutPrefix(strings.TrimSpace(header), "sha256=")
	if !ok {
		return false
	}
	expected := Sign(body, secret)
	return hmac.Equal([]byte(provided), []byte(expected))
}

// GitHub deliveries are signed in X-Hub-Signature-256.
type GitHub struct{}

func (GitHub) Name() string            { return "github" }
func (GitHub) SignatureHeader() string { return "X-Hub-Signature-256" }

func (GitHub) IsPush(h http.Header) bool {
	return h.Get("X-GitHub-Event") == "push"
}

func (g GitHub) Verify(body []byte, h http.Header, secret string) bool {
	return verifyHMAC(body, secret, h.Get(g.SignatureHeader()))
}

type githubPush struct {
	Ref        string `json:"ref"`
	Repository *struct {
		CloneURL string `json:"clone_url"`
		URL      string `json:"url"`
		FullName string `json:"full_name"`
	} `json:"repository"`
	Commits []struct {
		ID        string `json:"id"`
		Message   string `json:"message"`
		Timestamp string `json:"timestamp"`
		Author    Person `json:"author"`
	} `json:"commits"`
	Pusher Person `json:"pusher"`
}

func (GitHub) Parse(body []byte) *Payload {
	var in githubPush
	if err := json.Unmarshal(body, &in); err != nil {
		return nil
	}
	if in.Ref == "" || in.Repository == nil {
		return nil
	}
	out := &Payload{
		Repository: Repository{URL: firstNonEmpty(in.Repository.CloneURL, in.Repository.URL), FullName: in.Repository.FullName},
		Ref:        in.Ref,
		Commits:    make([]Commit, 0, len(in.Commits)),
		Pusher:     in.Pusher,
	}
	for _, c := range in.Commits {
		out.Commits = append(out.Commits, Commit{ID: c.ID, Message: c.Message, Author: c.Author, Timestamp: c.Timestamp})
	}
	return out
}

// GitLab deliveries carry the shared secret verbatim in X-Gitlab-Token.
type GitLab struct{}

func (GitLab) Name() string            { return "gitlab" }
func (GitLab) SignatureHeader() string { return "X-Gitlab-Token" }

func (GitLab) IsPush(h http.Header) bool {
	return h.Get("X-Gitlab-Event") == "Push Hook"
}

func (g GitLab) Verify(_ []byte, h http.Header, secret string) bool {
	token := h.Get(g.SignatureHeader())
	if secret == "" || token == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(secret)) == 1
}

type gitlabPush struct {
	Ref     string `json:"ref"`
	Project *struct {
		GitHTTPURL        string `json:"git_http_url"`
		PathWithNamespace string `json:"path_with_namespace"`
	} `json:"project"`
	Commits []struct {
		ID        string `json:"id"`
		Message   string `json:"message"`
		Timestamp string `json:"timestamp"`
		Author    Person `json:"author"`
	} `json:"commits"`
	UserName  string `json:"user_name"`
	UserEmail string `json:"user_email"`
}

func (GitLab) Parse(body []byte) *Payload {
	var in gitlabPush
	if err := json.Unmarshal(body, &in); err != nil {
		return nil
	}
	if in.Ref == "" || in.Project == nil {
		return nil
	}
	out := &Payload{
		Repository: Repository{URL: in.Project.GitHTTPURL, FullName: in.Project.PathWithNamespace},
		Ref:        in.Ref,
		Commits:    make([]Commit, 0, len(in.Commits)),
		Pusher:     Person{Name: in.UserName, Email: in.UserEmail},
	}
	for _, c := range in.Commits {
		out.Commits = append(out.Commits, Commit{ID: c.ID, Message: c.Message, Author: c.Author, Timestamp: c.Timestamp})
	}
	return out
}

// Bitbucket deliveries are signed in X-Hub-Signature.
type Bitbucket struct{}

func (Bitbucket) Name() string            { return "bitbucket" }
func (Bitbucket) SignatureHeader() string { return "X-Hub-Signature" }

func (Bitbucket) IsPush(h http.Header) bool {
	return h.Get("X-Event-Key") == "repo:push"
}

func (b Bitbucket) Verify(body []byte, h http.Header, secret string) bool {
	return verifyHMAC(body, secret, h.Get(b.SignatureHeader()))
}

type bitbucketPush struct {
	Push *struct {
		Changes []struct {
			New *struct {
				Name string `json:"name"`
			} `json:"new"`
			Commits []struct {
				Hash    string `json:"hash"`
				Message string `json:"message"`
				Date    string `json:"date"`
				Author  struct {
					Raw string `json:"raw"`
				} `json:"author"`
			} `json:"commits"`
		} `json:"changes"`
	} `json:"push"`
	Repository *struct {
		FullName string `json:"full_name"`
		Links    struct {
			HTML struct {
				Href string `json:"href"`
			} `json:"html"`
		} `json:"links"`
	} `json:"repository"`
	Actor struct {
		DisplayName string `json:"display_name"`
	} `json:"actor"`
}

var rawAuthorEmail = regexp.MustCompile(`<(.+)>`)

func (Bitbucket) Parse(body []byte) *Payload {
	var in bitbucketPush
	if err := json.Unmarshal(body, &in); err != nil {
		return nil
	}
	if in.Push == nil || in.Repository == nil || len(in.Push.Changes) == 0 {
		return nil
	}
	change := in.Push.Changes[0]
	branch := "main"
	if change.New != nil && change.New.Name != "" {
		branch = change.New.Name
	}
	out := &Payload{
		Repository: Repository{URL: in.Repository.Links.HTML.Href, FullName: in.Repository.FullName},
		Ref:        "refs/heads/" + branch,
		Commits:    make([]Commit, 0, len(change.Commits)),
		Pusher:     Person{Name: in.Actor.DisplayName},
	}
	for _, c := range change.Commits {
		name, _, _ := strings.Cut(c.Author.Raw, "<")
		author := Person{Name: strings.TrimSpace(name)}
		if m := rawAuthorEmail.FindStringSubmatch(c.Author.Raw); m != nil {
			author.Email = m[1]
		}
		out.Commits = append(out.Commits, Commit{ID: c.Hash, Message: c.Message, Author: author, Timestamp: c.Date})
	}
	return out
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
