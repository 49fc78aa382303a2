package traefik

// Document is the Traefik file provider dynamic configuration.
type Document struct {
	HTTP HTTPConfig `yaml:"http"`
}

// HTTPConfig holds the http section.
type HTTPConfig struct {
	Routers     map[string]*Router        `yaml:"routers"`
	Services    map[string]*Service       `yaml:"services"`
	Middlewares map[string]map[string]any `yaml:"middlewares"`
}

// Router binds a rule to a service.
type Router struct {
	Rule        string   `yaml:"rule"`
	Service     string   `yaml:"service"`
	EntryPoints []string `yaml:"entryPoints"`
	Middlewares []string `yaml:"middlewares,omitempty"`
	TLS         *TLS     `yaml:"tls,omitempty"`
}

// TLS requests certificates from a resolver.
type TLS struct {
	CertResolver string      `yaml:"certResolver"`
	Domains      []TLSDomain `yaml:"domains,omitempty"`
}

// TLSDomain names the certificate subject.
type TLSDomain struct {
	Main string   `yaml:"main"`
	SANs []string `yaml:"sans,omitempty"`
}

// Service is a load balanced backend.
type Service struct {
	LoadBalancer LoadBalancer `yaml:"loadBalancer"`
}

// LoadBalancer lists backend servers.
type LoadBalancer struct {
	Servers        []Server `yaml:"servers"`
	PassHostHeader bool     `yaml:"passHostHeader"`
}

// Server is one backend URL.
type Server struct {
	URL string `yaml:"url"`
}

// NewDocument returns an empty document with initialised maps.
func NewDocument() *Document {
	d := &Document{}
	d.normalise()
	return d
}

func (d *Document) normalise() {
	if d.HTTP.Routers == nil {
		d.HTTP.Routers = map[string]*Router{}
	}
	if d.HTTP.Services == nil {
		d.HTTP.Services = map[string]*Service{}
	}
	if d.HTTP.Middlewares == nil {
		d.HTTP.Middlewares = map[string]map[string]any{}
	}
}

// ServiceReferenced reports whether any router still points at service.
func (d *Document) ServiceReferenced(service string) bool {
	for _, r := range d.HTTP.Routers {
		if r != nil && r.Service == service {
			return true
		}
	}
	return false
}
