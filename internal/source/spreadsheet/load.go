package spreadsheet

import (
	"context"
	"io"
	"net"
	"net/url"
	"os"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/jlaffaye/ftp"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/lead-funnel/internal/config"
)

// File is a spreadsheet as loaded from its location.
type File struct {
	Name string
	Data []byte
}

// S3API is the part of the S3 client the loader uses.
type S3API interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// Loader fetches spreadsheets from local paths, ftp:// and s3:// locations.
type Loader struct {
	cfg config.SpreadsheetConfig
	s3  S3API
}

// NewLoader creates a loader. The S3 client is built on first use from the
// default AWS credential chain.
func NewLoader(cfg config.SpreadsheetConfig) *Loader {
	return &Loader{cfg: cfg}
}

// WithS3 sets the S3 client.
func (l *Loader) WithS3(client S3API) *Loader {
	l.s3 = client
	return l
}

// Load reads the file at location.
func (l *Loader) Load(ctx context.Context, location string) (*File, error) {
	switch {
	case strings.HasPrefix(location, "ftp://"):
		return l.loadFTP(ctx, location)
	case strings.HasPrefix(location, "s3://"):
		return l.loadS3(ctx, location)
	default:
		data, err := os.ReadFile(location)
		if err != nil {
			return nil, eris.Wrapf(err, "spreadsheet: read %s", location)
		}
		return &File{Name: path.Base(location), Data: data}, nil
	}
}

func (l *Loader) loadFTP(ctx context.Context, location string) (*File, error) {
	u, err := url.Parse(location)
	if err != nil {
		return nil, eris.Wrap(err, "spreadsheet: parse ftp url")
	}
	if u.Path == "" || u.Path == "/" {
		return nil, eris.New("spreadsheet: empty path in ftp url")
	}
	host := u.Host
	if _, _, splitErr := net.SplitHostPort(host); splitErr != nil {
		host = net.JoinHostPort(host, "21")
	}

	user, pass := l.cfg.FTP.User, l.cfg.FTP.Password
	if u.User != nil {
		user = u.User.Username()
		if p, ok := u.User.Password(); ok {
			pass = p
		}
	}
	if user == "" {
		user, pass = "anonymous", "anonymous@"
	}
	timeout := time.Duration(l.cfg.FTP.TimeoutSecs) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	zap.L().Debug("spreadsheet: ftp connect", zap.String("host", host), zap.String("path", u.Path))
	conn, err := ftp.Dial(host, ftp.DialWithTimeout(timeout), ftp.DialWithContext(ctx))
	if err != nil {
		return nil, eris.Wrap(err, "spreadsheet: ftp dial")
	}
	defer conn.Quit() //nolint:errcheck

	if err := conn.Login(user, pass); err != nil {
		return nil, eris.Wrap(err, "spreadsheet: ftp login")
	}
	resp, err := conn.Retr(u.Path)
	if err != nil {
		return nil, eris.Wrap(err, "spreadsheet: ftp retrieve")
	}
	defer resp.Close() //nolint:errcheck

	data, err := io.ReadAll(resp)
	if err != nil {
		return nil, eris.Wrap(err, "spreadsheet: ftp read")
	}
	return &File{Name: path.Base(u.Path), Data: data}, nil
}

func (l *Loader) loadS3(ctx context.Context, location string) (*File, error) {
	bucket, key, ok := strings.Cut(strings.TrimPrefix(location, "s3://"), "/")
	if !ok || bucket == "" || key == "" {
		return nil, eris.Errorf("spreadsheet: invalid s3 location %q", location)
	}

	client, err := l.s3Client(ctx)
	if err != nil {
		return nil, err
	}
	out, err := client.GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(bucket), Key: aws.String(key)})
	if err != nil {
		return nil, eris.Wrapf(err, "spreadsheet: get s3 object %s", location)
	}
	defer out.Body.Close() //nolint:errcheck

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, eris.Wrap(err, "spreadsheet: read s3 object")
	}
	return &File{Name: path.Base(key), Data: data}, nil
}

func (l *Loader) s3Client(ctx context.Context) (S3API, error) {
	if l.s3 != nil {
		return l.s3, nil
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(l.cfg.S3.Region))
	if err != nil {
		return nil, eris.Wrap(err, "spreadsheet: load aws config")
	}
	endpoint := l.cfg.S3.Endpoint
	l.s3 = s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		}
	})
	return l.s3, nil
}
