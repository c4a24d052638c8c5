// Stellarctl is the command-line client for a running stellaropsd. It
// queries fleet state over HTTP, issues commands, and streams live topic
// events over WebSocket.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/pflag"

	"github.com/stellarops/stellarops/internal/ctl"
)

func main() {
	var (
		host    = pflag.StringP("host", "H", "http://127.0.0.1:4000", "Daemon base URL")
		token   = pflag.StringP("token", "t", os.Getenv("STELLAROPS_AUTH_TOKEN"), "Bearer token for authentication")
		jsonOut = pflag.Bool("json", false, "Output raw JSON instead of formatted text")
	)

	// Stop parsing global flags at the first non-flag argument (the command
	// name), so subcommand-specific flags like --priority are not rejected.
	pflag.CommandLine.SetInterspersed(false)
	pflag.Parse()

	if pflag.NArg() < 1 {
		usage()
		os.Exit(2)
	}

	ctl.SetToken(*token)

	cmd := pflag.Arg(0)
	subArgs := pflag.Args()[1:]

	var err error
	switch cmd {
	// ── Query commands ────────────────────────────────────────────
	case "status":
		err = ctl.Status(*host, *jsonOut)

	case "version":
		err = ctl.VersionInfo(*host, *jsonOut)

	case "satellites":
		err = ctl.Satellites(*host, *jsonOut)

	case "satellite":
		if len(subArgs) < 1 {
			err = fmt.Errorf("usage: stellarctl satellite <id>")
			break
		}
		err = ctl.Satellite(*host, subArgs[0], *jsonOut)

	case "health":
		if len(subArgs) > 0 {
			err = ctl.Health(*host, subArgs[0], *jsonOut)
		} else {
			err = ctl.HealthAll(*host, *jsonOut)
		}

	case "commands":
		err = ctl.Commands(*host, *jsonOut)

	case "command":
		if len(subArgs) < 1 {
			err = fmt.Errorf("usage: stellarctl command <id>")
			break
		}
		err = ctl.CommandInfo(*host, subArgs[0], *jsonOut)

	case "history":
		opts := struct{ limit int }{}
		histFlags := pflag.NewFlagSet("history", pflag.ContinueOnError)
		histFlags.IntVar(&opts.limit, "limit", 20, "Number of commands shown")
		_ = histFlags.Parse(subArgs)
		if histFlags.NArg() < 1 {
			err = fmt.Errorf("usage: stellarctl history <satellite-id>")
			break
		}
		err = ctl.CommandHistory(*host, histFlags.Arg(0), opts.limit, *jsonOut)

	case "telemetry":
		limit := 0
		telFlags := pflag.NewFlagSet("telemetry", pflag.ContinueOnError)
		telFlags.IntVar(&limit, "limit", 20, "Number of events shown")
		_ = telFlags.Parse(subArgs)
		if telFlags.NArg() < 1 {
			err = fmt.Errorf("usage: stellarctl telemetry <satellite-id>")
			break
		}
		err = ctl.TelemetryHistory(*host, telFlags.Arg(0), limit, *jsonOut)

	case "stats":
		err = ctl.TelemetryStats(*host, *jsonOut)

	case "alarms":
		opts := ctl.AlarmsOptions{JSON: *jsonOut}
		alarmFlags := pflag.NewFlagSet("alarms", pflag.ContinueOnError)
		alarmFlags.BoolVar(&opts.History, "history", false, "Show resolved alarms too")
		alarmFlags.IntVar(&opts.Limit, "limit", 0, "Limit number of alarms shown")
		_ = alarmFlags.Parse(subArgs)
		err = ctl.Alarms(*host, opts)

	case "breakers":
		err = ctl.Breakers(*host, *jsonOut)

	case "stations":
		err = ctl.Stations(*host, *jsonOut)

	// ── Control commands ──────────────────────────────────────────
	case "add":
		opts := ctl.CreateSatelliteOptions{JSON: *jsonOut}
		addFlags := pflag.NewFlagSet("add", pflag.ContinueOnError)
		addFlags.StringVar(&opts.Name, "name", "", "Human-readable satellite name")
		addFlags.IntVar(&opts.NoradID, "norad-id", 0, "NORAD catalog ID")
		_ = addFlags.Parse(subArgs)
		if addFlags.NArg() < 1 {
			err = fmt.Errorf("usage: stellarctl add <id> [--name NAME] [--norad-id N]")
			break
		}
		opts.ID = addFlags.Arg(0)
		err = ctl.CreateSatellite(*host, opts)

	case "remove":
		if len(subArgs) < 1 {
			err = fmt.Errorf("usage: stellarctl remove <satellite-id>")
			break
		}
		err = ctl.DeleteSatellite(*host, subArgs[0], *jsonOut)

	case "mode":
		if len(subArgs) < 2 {
			err = fmt.Errorf("usage: stellarctl mode <satellite-id> <nominal|safe|survival>")
			break
		}
		err = ctl.SetMode(*host, subArgs[0], subArgs[1], *jsonOut)

	case "send":
		opts := ctl.SendCommandOptions{JSON: *jsonOut}
		sendFlags := pflag.NewFlagSet("send", pflag.ContinueOnError)
		sendFlags.StringVar(&opts.Priority, "priority", "", "Priority: critical, high, normal, low")
		sendFlags.StringVar(&opts.Payload, "payload", "", "Command payload as a JSON object")
		sendFlags.IntVar(&opts.TimeoutMS, "timeout-ms", 0, "Execution timeout in milliseconds")
		_ = sendFlags.Parse(subArgs)
		if sendFlags.NArg() < 2 {
			err = fmt.Errorf("usage: stellarctl send <satellite-id> <type> [flags]")
			break
		}
		opts.SatelliteID = sendFlags.Arg(0)
		opts.Type = sendFlags.Arg(1)
		err = ctl.SendCommand(*host, opts)

	case "cancel":
		if len(subArgs) < 1 {
			err = fmt.Errorf("usage: stellarctl cancel <command-id>")
			break
		}
		err = ctl.CancelCommand(*host, subArgs[0], *jsonOut)

	case "ack":
		opts := ackArgs(subArgs)
		if opts.id == "" || opts.actor == "" {
			err = fmt.Errorf("usage: stellarctl ack <alarm-id> --actor NAME")
			break
		}
		err = ctl.AcknowledgeAlarm(*host, opts.id, opts.actor, *jsonOut)

	case "resolve":
		opts := ackArgs(subArgs)
		if opts.id == "" || opts.actor == "" {
			err = fmt.Errorf("usage: stellarctl resolve <alarm-id> --actor NAME")
			break
		}
		err = ctl.ResolveAlarm(*host, opts.id, opts.actor, *jsonOut)

	case "ingest":
		opts := ctl.IngestOptions{JSON: *jsonOut}
		ingestFlags := pflag.NewFlagSet("ingest", pflag.ContinueOnError)
		ingestFlags.StringVar(&opts.Payload, "payload", "", "Telemetry payload as a JSON object")
		ingestFlags.StringVar(&opts.Source, "source", "", "Telemetry source label")
		_ = ingestFlags.Parse(subArgs)
		if ingestFlags.NArg() < 2 {
			err = fmt.Errorf("usage: stellarctl ingest <satellite-id> <event-type> --payload '{...}'")
			break
		}
		opts.SatelliteID = ingestFlags.Arg(0)
		opts.EventType = ingestFlags.Arg(1)
		err = ctl.Ingest(*host, opts)

	case "melt":
		if len(subArgs) < 1 {
			err = fmt.Errorf("usage: stellarctl melt <breaker-name>")
			break
		}
		err = ctl.MeltBreaker(*host, subArgs[0], *jsonOut)

	case "reset":
		if len(subArgs) < 1 {
			err = fmt.Errorf("usage: stellarctl reset <breaker-name>")
			break
		}
		err = ctl.ResetBreaker(*host, subArgs[0], *jsonOut)

	case "tle-parse":
		path := "-"
		if len(subArgs) > 0 {
			path = subArgs[0]
		}
		err = ctl.TLEParse(*host, path, *jsonOut)

	case "tle-refresh":
		err = ctl.TLERefresh(*host, *jsonOut)

	case "revoke":
		if len(subArgs) < 1 {
			err = fmt.Errorf("usage: stellarctl revoke <token>")
			break
		}
		err = ctl.RevokeToken(*host, subArgs[0], *jsonOut)

	// ── Live streaming ────────────────────────────────────────────
	case "watch":
		opts := ctl.WatchOptions{JSON: *jsonOut}
		watchFlags := pflag.NewFlagSet("watch", pflag.ContinueOnError)
		watchFlags.StringSliceVar(&opts.Topics, "topic", nil, "Topics to join (repeatable)")
		watchFlags.StringSliceVar(&opts.Filter, "filter", nil, "Event types to show")
		_ = watchFlags.Parse(subArgs)
		err = ctl.Watch(*host, opts)

	default:
		usage()
		os.Exit(2)
	}

	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

type ackOptions struct {
	id    string
	actor string
}

// ackArgs parses the shared <alarm-id> --actor NAME form.
func ackArgs(args []string) ackOptions {
	var opts ackOptions
	fs := pflag.NewFlagSet("ack", pflag.ContinueOnError)
	fs.StringVar(&opts.actor, "actor", "", "Operator id")
	_ = fs.Parse(args)
	if fs.NArg() > 0 {
		opts.id = fs.Arg(0)
	}
	return opts
}

func usage() {
	fmt.Print(`
  stellarctl — StellarOps control CLI

  USAGE
    stellarctl [flags] <command> [command-flags]

  COMMANDS (query)
    status          Show daemon uptime, fleet size, and queue depth
    version         Show daemon build information
    satellites      List every satellite with mode and resource gauges
    satellite ID    Show one satellite's full state
    health [ID]     Show fleet health, or one satellite's subsystems
    commands        Show the command queue snapshot
    command ID      Show one command
    history ID      List recent commands for a satellite
    telemetry ID    List recent telemetry events for a satellite
    stats           Show telemetry ingest counters
    alarms          List active alarms (--history for resolved too)
    breakers        List circuit breakers
    stations        List ground stations with load

  COMMANDS (control)
    add ID          Register a satellite and start its actor
    remove ID       Stop a satellite's actor and delete its record
    mode ID MODE    Switch operating mode (nominal, safe, survival)
    send ID TYPE    Enqueue a command
    cancel ID       Cancel a queued command
    ack ID          Acknowledge an alarm (--actor NAME)
    resolve ID      Resolve an alarm (--actor NAME)
    ingest ID TYPE  Submit a telemetry event by hand
    melt NAME       Force a circuit breaker open
    reset NAME      Reset a circuit breaker to closed
    tle-parse FILE  Parse a TLE file ("-" for stdin)
    tle-refresh     Pull fresh TLE sets from the configured source
    revoke TOKEN    Revoke a bearer token

  COMMANDS (live)
    watch           Stream live topic events (Ctrl-C to stop)

  GLOBAL FLAGS
    -H, --host URL    Daemon base URL (default: http://127.0.0.1:4000)
    -t, --token TOK   Bearer token (default: $STELLAROPS_AUTH_TOKEN)
        --json        Output raw JSON instead of formatted text

  COMMAND FLAGS
    send:
        --priority P      critical, high, normal, or low
        --payload JSON    Command payload object
        --timeout-ms N    Execution timeout override

    ingest:
        --payload JSON    Telemetry values, e.g. '{"energy": 42}'
        --source NAME     Source label (default: stellarctl)

    watch:
        --topic T         Topics to join (default: the operator set)
        --filter E        Event types to show

  EXAMPLES
    stellarctl status
    stellarctl --json satellites
    stellarctl send SAT-7 collect_telemetry --priority high
    stellarctl ingest SAT-7 status_report --payload '{"energy": 12.5}'
    stellarctl alarms --history --limit 20
    stellarctl watch --topic satellite:SAT-7
    stellarctl --host http://ops.example.net:4000 health SAT-7
`)
}
