package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/spf13/cobra"

	"tools.zach/dev/neildev/internal/devclient"
	"tools.zach/dev/neildev/internal/paths"
	"tools.zach/dev/neildev/internal/poller"
	"tools.zach/dev/neildev/internal/readiness"
)

// userPayload is written back on every writable event.
const userPayload = "Data from the user space"

// ///////////////////////////////////////////////
// watch
// ///////////////////////////////////////////////

func newWatchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Wait for readiness in a loop, reading and writing on each event",
		Long: "Register the channel for in|out readiness and wait. On each event read " +
			"up to 63 bytes and write \"" + userPayload + "\", printing both.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			count, _ := cmd.Flags().GetInt("count")
			url, _ := cmd.Flags().GetString("webhook")

			conn, err := dial(cmd)
			if err != nil {
				return err
			}
			defer conn.Close()

			return watch(cmd.Context(), conn, cmd.OutOrStdout(), cmd.ErrOrStderr(), count, newWebhook(url))
		},
	}
	cmd.Flags().Int("count", 0, "stop after this many events (0 runs until interrupted)")
	cmd.Flags().String("webhook", "", "POST each event as JSON to this URL")
	return cmd
}

// watch runs the readiness loop on conn until ctx is done, the session ends,
// or count events have been handled.
func watch(ctx context.Context, conn *devclient.Conn, out, errOut io.Writer, count int, hook *webhook) error {
	src, err := conn.Pollable(ctx)
	if err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	p := poller.New()
	defer p.Close()
	if err := p.Add(paths.EndpointName, src); err != nil {
		return err
	}

	handled := 0
	for count == 0 || handled < count {
		fmt.Fprintln(out, "poll wait...")
		events, err := p.Wait(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		fmt.Fprintf(out, "event count: %d\n", len(events))

		for _, ev := range events {
			if ev.Err != nil {
				if errors.Is(ev.Err, devclient.ErrNotConnected) {
					return fmt.Errorf("%s closed the session", paths.DaemonName)
				}
				return ev.Err
			}
			rec := handleEvent(ctx, conn, ev, out, errOut)
			if err := hook.post(ctx, rec); err != nil {
				fmt.Fprintf(errOut, "webhook: %v\n", err)
			}
			handled++
		}
	}
	return nil
}

// handleEvent reads and writes according to ev's mask and reports both.
func handleEvent(ctx context.Context, conn *devclient.Conn, ev poller.Event, out, errOut io.Writer) eventRecord {
	rec := eventRecord{
		Device: conn.Welcome().Device,
		Handle: conn.Welcome().Handle,
		Mask:   ev.Mask.String(),
		Time:   time.Now().UTC(),
	}
	if ev.Mask.Has(readiness.PollIn) {
		data, err := conn.Read(ctx, bufferSize-1)
		if err != nil {
			fmt.Fprintf(errOut, "read failed: %v\n", err)
		} else {
			rec.Read = string(data)
			fmt.Fprintf(out, "in: read: %s\n", data)
		}
	}
	if ev.Mask.Has(readiness.PollOut) {
		n, err := conn.Write(ctx, []byte(userPayload))
		if err != nil {
			fmt.Fprintf(errOut, "write failed: %v\n", err)
		} else {
			rec.Wrote = userPayload[:n]
			fmt.Fprintf(out, "out: wrote: %s\n", rec.Wrote)
		}
	}
	return rec
}

// ///////////////////////////////////////////////
// Webhook
// ///////////////////////////////////////////////

// eventRecord is the JSON body posted for each event.
type eventRecord struct {
	Device string    `json:"device"`
	Handle string    `json:"handle"`
	Mask   string    `json:"mask"`
	Read   string    `json:"read,omitempty"`
	Wrote  string    `json:"wrote,omitempty"`
	Time   time.Time `json:"time"`
}

// webhook posts event records. A nil *webhook posts nothing.
type webhook struct {
	url    string
	client *retryablehttp.Client
}

// newWebhook returns nil when url is empty.
func newWebhook(url string) *webhook {
	if url == "" {
		return nil
	}
	c := retryablehttp.NewClient()
	c.RetryMax = 3
	c.RetryWaitMin = 100 * time.Millisecond
	c.RetryWaitMax = time.Second
	c.HTTPClient.Timeout = 5 * time.Second
	c.Logger = nil
	return &webhook{url: url, client: c}
}

func (w *webhook) post(ctx context.Context, rec eventRecord) error {
	if w == nil {
		return nil
	}
	body, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("POST %s: status %d", w.url, resp.StatusCode)
	}
	return nil
}
