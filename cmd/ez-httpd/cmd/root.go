package cmd

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var version = "dev"

var (
	port       int
	wwwRoot    string
	numThreads int
	timeout    int
	cgiPath    string

	queueCapacity int
	marker        string
	name          string
	maxBody       int64

	noError  bool
	logLevel string
	pretty   bool

	dir        string
	rawHeaders []string
	replace    bool
	conformCGI bool
	envVars    []string
	stderr     string
)

var RootCmd = &cobra.Command{
	Use:     "ez-httpd --root DIR --cgiHandler DIR [flags]",
	Version: version,
	Short:   "A small threaded HTTP/1.1 server for static files and CGI programs.",
	Long: `Start an HTTP/1.1 server.
Files are served from the --root directory. Requests under the CGI prefix (/cgi/ by default)
run the program found by appending the rest of the URI to --cgiHandler.
By default the program's output is sent to the client as is; see --replace and --cgi.
Every response closes the connection.
`,
	SilenceUsage: true,
	RunE:         run,
}

func SetFlags() {
	RootCmd.Flags().IntVarP(&port, "port", "p", 8080, "Port to bind to.")
	RootCmd.Flags().StringVarP(&wwwRoot, "root", "r", "", "Directory static files are served from (required).")
	RootCmd.Flags().IntVarP(&numThreads, "numThreads", "n", 4, "Number of worker threads.")
	RootCmd.Flags().IntVarP(&timeout, "timeout", "t", 5, "Seconds a client has to send its request.")
	RootCmd.Flags().StringVarP(&cgiPath, "cgiHandler", "c", "", `Path CGI program names are appended to (required).
Include the trailing slash for a directory.`,
	)

	RootCmd.Flags().IntVar(&queueCapacity, "queue", 100, `Connections waiting for a worker.
Connections arriving while the queue is full are closed.`,
	)
	RootCmd.Flags().StringVar(&marker, "marker", "/cgi/", "URI prefix routed to CGI programs.")
	RootCmd.Flags().StringVar(&name, "name", "ez-httpd/1.0 (Unix)", "Server header and SERVER_SOFTWARE value.")
	RootCmd.Flags().Int64Var(&maxBody, "max-body", 1<<20, "Largest request body accepted, in bytes.")

	RootCmd.Flags().BoolVarP(&noError, "quiet", "q", false,
		`Don't show log messages.`,
	)
	RootCmd.Flags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error).")
	RootCmd.Flags().BoolVar(&pretty, "pretty", false, "Human readable logs instead of JSON.")

	RootCmd.Flags().StringArrayVarP(&rawHeaders, "header", "H", nil, `HTTP header to send to client when responses are framed by ez-httpd.
Must be in the form 'KEY: VALUE'.
See also: --replace, -R and --cgi, -C.`,
	)
	RootCmd.Flags().BoolVarP(&replace, "replace", "R", false, `Frame the program's output as a response, letting it replace default header values.
The program may omit headers entirely; Content-Type defaults to text/plain.`)

	RootCmd.Flags().BoolVarP(&conformCGI, "cgi", "C", false, `Conform to the CGI standard: the program must print a header block.
This flag overrides the --replace, -R flag.`,
	)

	RootCmd.Flags().StringArrayVarP(&envVars, "env-var", "e", nil, `Environment variable to pass on to the program.
Must be in the form 'KEY=VALUE'.`,
	)

	RootCmd.Flags().StringVarP(&stderr, "stderr", "E", "", `Where to redirect programs' stderr.`)

	RootCmd.Flags().StringVarP(&dir, "dir", "d", "", `Working directory for programs.
Defaults to where ez-httpd was called.`,
	)

	RootCmd.MarkFlagRequired("root")
	RootCmd.MarkFlagRequired("cgiHandler")
}

func run(cmd *cobra.Command, args []string) error {
	logger, err := newLogger()
	if err != nil {
		return err
	}

	s, cleanup, err := newServer(&logger)
	if err != nil {
		return err
	}
	defer cleanup()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		sig := <-sigChan
		logger.Info().
			Str("signal", sig.String()).
			Object("stats", s.Stats()).
			Msg("Shutting down")
		os.Exit(0)
	}()

	return s.ListenAndServe()
}

func newLogger() (zerolog.Logger, error) {
	level, err := zerolog.ParseLevel(logLevel)
	if err != nil {
		return zerolog.Logger{}, err
	}
	if noError {
		level = zerolog.Disabled
	}

	out := zerolog.New(os.Stdout)
	if pretty {
		out = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout})
	}
	return out.Level(level).With().Timestamp().Logger(), nil
}

func Execute() {
	SetFlags()
	if err := RootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
