//go:build linux

package main

import (
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/romshark/xdp-fastpath-go/devinfo"
	"github.com/romshark/xdp-fastpath-go/fastpath"
)

var errNotEligible = errors.New("not all devices are eligible")

func newCheckCmd(out io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Report fast-path eligibility of the configured devices",
		RunE: func(cmd *cobra.Command, args []string) error {
			conf, _, err := setup(cmd)
			if err != nil {
				return err
			}
			return runCheck(out, conf.Devices, devinfo.Lookup)
		},
	}
}

type lookupFunc func(name string) (devinfo.Info, error)

// deviceConfig resolves NIC backed devices through lookup.
func deviceConfig(d DeviceConfig, lookup lookupFunc) (fastpath.Config, error) {
	conf := d.fastpathConfig()
	if d.Interface == "" {
		return conf, nil
	}
	info, err := lookup(d.Interface)
	if err != nil {
		return conf, err
	}
	conf = info.DeviceConfig(conf)
	conf.Name = d.Name
	if d.MTU != 0 {
		conf.MTU = d.MTU
	}
	return conf, nil
}

func runCheck(out io.Writer, devs []DeviceConfig, lookup lookupFunc) error {
	p := message.NewPrinter(language.English)
	allowed := true
	for _, d := range devs {
		conf, err := deviceConfig(d, lookup)
		if err != nil {
			return fmt.Errorf("device %q: %w", d.Name, err)
		}
		if err := conf.ValidateAndSetDefaults(); err != nil {
			return fmt.Errorf("device %q: %w", d.Name, err)
		}
		maxMTU := conf.Limits.MaxMTU()
		e := fastpath.CheckEligibility(conf.MTU, conf.IOQueues, conf.MaxQueues, conf.Limits)
		if e != fastpath.Allowed {
			allowed = false
		}

		p.Fprintf(out, "%s:\n", d.Name)
		p.Fprintf(out, "  mtu          %d (max %d)\n", conf.MTU, maxMTU)
		p.Fprintf(out, "  queues       %d io / %d hardware (max fast-path io queues %d)\n",
			conf.IOQueues, conf.MaxQueues, conf.MaxQueues/2)
		p.Fprintf(out, "  frame        %d bytes, headroom %d\n",
			conf.Limits.FrameSize, conf.Limits.Headroom)
		p.Fprintf(out, "  eligibility  %s\n", e)
	}
	if !allowed {
		return errNotEligible
	}
	return nil
}
