package httpconn

import (
	"context"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/marmos91/dittoweb/internal/logger"
	"golang.org/x/sys/unix"
)

// Authenticator checks and creates user accounts for the login and
// registration forms.
type Authenticator interface {
	Login(ctx context.Context, name, password string) (bool, error)
	Register(ctx context.Context, name, password string) error
}

// Env is the configuration shared by every connection of a server.
type Env struct {
	// DocRoot is the directory static files are served from.
	DocRoot string

	// EdgeTriggered selects drain-until-EAGAIN reads.
	EdgeTriggered bool

	// Auth backs the login and registration forms. When nil every form
	// submission fails.
	Auth Authenticator

	// AuthTimeout bounds a single login or registration. Zero means no limit.
	AuthTimeout time.Duration
}

// Page names served for the fixed routes.
const (
	PageIndex         = "/judge.html"
	PageRegister      = "/register.html"
	PageLogin         = "/log.html"
	PageWelcome       = "/welcome.html"
	PageLoginError    = "/logError.html"
	PageRegisterError = "/registerError.html"
	PagePicture       = "/picture.html"
	PageVideo         = "/video.html"
	PageFans          = "/fans.html"
)

// Route selectors: the character right after the last '/' of the target.
const (
	routeRegisterPage = '0'
	routeLoginPage    = '1'
	routeLogin        = '2'
	routeRegister     = '3'
	routePicture      = '5'
	routeVideo        = '6'
	routeFans         = '7'
)

// doRequest maps the parsed target to a file under the document root,
// running the login or registration form first when the request carries one.
func (c *Conn) doRequest(ctx context.Context) Outcome {
	target := string(c.readBuf[c.target.start:c.target.end])
	if target == "/" {
		target = PageIndex
	}

	var selector byte
	if slash := strings.LastIndexByte(target, '/'); slash+1 < len(target) {
		selector = target[slash+1]
	}

	switch {
	case c.form && selector == routeLogin:
		target = c.login(ctx)
	case c.form && selector == routeRegister:
		target = c.register(ctx)
	case selector == routeRegisterPage:
		target = PageRegister
	case selector == routeLoginPage:
		target = PageLogin
	case selector == routePicture:
		target = PagePicture
	case selector == routeVideo:
		target = PageVideo
	case selector == routeFans:
		target = PageFans
	}

	for _, seg := range strings.Split(target, "/") {
		if seg == ".." {
			return c.malformed()
		}
	}

	c.realFile = filepath.Join(c.env.DocRoot, filepath.FromSlash(target))

	var st unix.Stat_t
	if err := unix.Stat(c.realFile, &st); err != nil {
		return NoResource
	}
	if st.Mode&unix.S_IROTH == 0 {
		return ForbiddenRequest
	}
	if st.Mode&unix.S_IFMT == unix.S_IFDIR {
		return BadRequest
	}

	c.fileSize = int(st.Size)
	if c.fileSize == 0 {
		return FileRequest
	}

	f, err := os.Open(c.realFile)
	if err != nil {
		return ForbiddenRequest
	}
	defer f.Close()

	m, err := unix.Mmap(int(f.Fd()), 0, c.fileSize, unix.PROT_READ, unix.MAP_PRIVATE)
	if err != nil {
		logger.Warn("mmap %s: %v", c.realFile, err)
		return InternalError
	}
	c.fileMap = m
	return FileRequest
}

// formCredentials decodes "user=NAME&password=PASS" from the body.
func (c *Conn) formCredentials() (string, string, bool) {
	values, err := url.ParseQuery(string(c.readBuf[c.body.start:c.body.end]))
	if err != nil {
		return "", "", false
	}
	name := values.Get("user")
	if name == "" {
		return "", "", false
	}
	return name, values.Get("password"), true
}

func (c *Conn) authContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.env.AuthTimeout > 0 {
		return context.WithTimeout(ctx, c.env.AuthTimeout)
	}
	return context.WithCancel(ctx)
}

func (c *Conn) login(ctx context.Context) string {
	name, password, ok := c.formCredentials()
	if !ok || c.env.Auth == nil {
		return PageLoginError
	}

	ctx, cancel := c.authContext(ctx)
	defer cancel()

	match, err := c.env.Auth.Login(ctx, name, password)
	if err != nil {
		logger.Warn("Login for %q failed: %v", name, err)
		return PageLoginError
	}
	if !match {
		return PageLoginError
	}
	return PageWelcome
}

func (c *Conn) register(ctx context.Context) string {
	name, password, ok := c.formCredentials()
	if !ok || c.env.Auth == nil {
		return PageRegisterError
	}

	ctx, cancel := c.authContext(ctx)
	defer cancel()

	if err := c.env.Auth.Register(ctx, name, password); err != nil {
		logger.Debug("Registration for %q rejected: %v", name, err)
		return PageRegisterError
	}
	return PageLogin
}
