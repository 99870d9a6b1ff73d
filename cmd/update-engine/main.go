// -*- Mode: Go; indent-tabs-mode: t -*-

/*
 * Copyright (C) 2024 Canonical Ltd
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU General Public License version 3 as
 * published by the Free Software Foundation.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 *
 */

// The update-engine command applies an update payload onto the target
// partitions, driving the streaming applier with the payload read from a
// file or stdin.
package main

import (
	"fmt"
	"io"
	"os"

	"github.com/jessevdk/go-flags"
	"github.com/juju/ratelimit"
	"gopkg.in/tomb.v2"

	"github.com/snapcore/update-engine/delta"
	"github.com/snapcore/update-engine/dirs"
	"github.com/snapcore/update-engine/logger"
	"github.com/snapcore/update-engine/payload"
	"github.com/snapcore/update-engine/postinst"
	"github.com/snapcore/update-engine/prefs"
	"github.com/snapcore/update-engine/release"
)

// feedChunkSize is how much of the payload is handed to the applier per
// write.
const feedChunkSize = 128 * 1024

type options struct {
	Payload string `long:"payload" description:"payload file to apply, - for stdin" required:"true"`

	Install      string `long:"install" description:"rootfs install device" required:"true"`
	Kernel       string `long:"kernel" description:"kernel install device"`
	Source       string `long:"source" description:"source rootfs device (delta payloads)"`
	KernelSource string `long:"kernel-source" description:"source kernel device (delta payloads)"`

	FullUpdate          bool   `long:"full" description:"payload is a full image, not a delta"`
	MetadataSize        uint64 `long:"metadata-size" description:"expected metadata size from the update response"`
	MetadataSignature   string `long:"metadata-signature" description:"base64 metadata signature from the update response"`
	HashChecksMandatory bool   `long:"mandatory-hash-checks" description:"require sizes and signatures to be present and correct"`
	PublicKey           string `long:"public-key" description:"override the payload verification key"`
	ResponseKey         string `long:"response-key" description:"base64 public key delivered in the update response"`

	PayloadID string `long:"payload-id" description:"payload identity for resumable state"`
	LimitRate int64  `long:"limit-rate" description:"throttle payload consumption to this many bytes per second"`

	RunPostinst bool   `long:"run-postinst" description:"run the post-install script after a successful apply"`
	Powerwash   bool   `long:"powerwash" description:"request a factory reset on the next boot"`
	TargetSlot  string `long:"target-slot" description:"boot slot label reported to the boot controller"`
}

type printingProgress struct {
	last uint64
}

// report every megabyte, not every chunk
func (p *printingProgress) DownloadProgress(bytesSoFar uint64) {
	if bytesSoFar-p.last >= 1024*1024 {
		logger.Noticef("consumed %d bytes of payload", bytesSoFar)
		p.last = bytesSoFar
	}
}

func buildPlan(opts *options) *delta.InstallPlan {
	return &delta.InstallPlan{
		IsFullUpdate:        opts.FullUpdate,
		SourcePath:          opts.Source,
		KernelSourcePath:    opts.KernelSource,
		InstallPath:         opts.Install,
		KernelInstallPath:   opts.Kernel,
		MetadataSize:        opts.MetadataSize,
		MetadataSignature:   opts.MetadataSignature,
		HashChecksMandatory: opts.HashChecksMandatory,
		PublicKeyRSA:        opts.ResponseKey,
		PowerwashRequired:   opts.Powerwash,
		TargetSlot:          opts.TargetSlot,
		PayloadID:           opts.PayloadID,
	}
}

// applyChannelPolicy folds a pending channel change into the plan. A delta
// payload is generated against one channel's image and cannot be applied
// across a channel change; a change to a more stable channel rolls the
// device back to an older build and requires a powerwash.
func applyChannelPolicy(plan *delta.InstallPlan) error {
	lsb, err := release.ReadLSB()
	if err != nil {
		logger.Debugf("cannot read lsb-release, not applying channel policy: %v", err)
		return nil
	}
	if !lsb.ChannelChangePending() {
		return nil
	}
	if !plan.IsFullUpdate {
		return fmt.Errorf("cannot apply a delta payload while a channel change to %q is pending", lsb.TargetChannel)
	}
	if lsb.ToMoreStableChannel() && !plan.PowerwashRequired {
		logger.Noticef("channel change from %q to more stable %q requires a powerwash", lsb.CurrentChannel, lsb.TargetChannel)
		plan.PowerwashRequired = true
	}
	return nil
}

func openPerformer(opts *options, plan *delta.InstallPlan) (*delta.Performer, error) {
	p := delta.NewPerformer(plan)
	if opts.PublicKey != "" {
		p.SetPublicKeyPath(opts.PublicKey)
	}
	if conf, err := release.ReadConf(); err == nil {
		p.SetSupportedMajorVersions([]uint64{conf.SupportedMajorVersion})
		p.SetSupportedMinorVersions([]uint32{conf.SupportedMinorVersion})
	} else {
		logger.Debugf("cannot read engine conf, accepting all known payload versions: %v", err)
	}
	p.SetProgressSink(&printingProgress{})

	if opts.PayloadID != "" {
		store, err := prefs.Open(dirs.PrefsDBFile)
		if err != nil {
			return nil, fmt.Errorf("cannot open state store: %v", err)
		}
		p.SetPrefs(store)
	}

	if err := p.Open(opts.Install); err != nil {
		return nil, fmt.Errorf("cannot open install device: %v", err)
	}
	if opts.Kernel != "" {
		if err := p.OpenKernel(opts.Kernel); err != nil {
			return nil, fmt.Errorf("cannot open kernel device: %v", err)
		}
	}
	if opts.Source != "" {
		if err := p.OpenSourceRootfs(opts.Source); err != nil {
			return nil, fmt.Errorf("cannot open source device: %v", err)
		}
	}
	if opts.KernelSource != "" {
		if err := p.OpenSourceKernel(opts.KernelSource); err != nil {
			return nil, fmt.Errorf("cannot open source kernel device: %v", err)
		}
	}
	return p, nil
}

// feed streams the payload into the applier, seeking once if the applier
// fast-forwarded to a checkpoint.
func feed(p *delta.Performer, f *os.File, limitRate int64) error {
	var src io.Reader = f
	if limitRate > 0 {
		bucket := ratelimit.NewBucketWithRate(float64(limitRate), limitRate)
		src = ratelimit.Reader(f, bucket)
	}

	var t tomb.Tomb
	t.Go(func() error {
		buf := make([]byte, feedChunkSize)
		sought := false
		for {
			n, err := src.Read(buf)
			if n > 0 {
				if ok, code := p.WriteWithCode(buf[:n]); !ok {
					return fmt.Errorf("cannot apply payload: %v", code)
				}
				if !sought && p.Resumed() {
					if _, err := f.Seek(int64(p.ResumeOffset()), io.SeekStart); err != nil {
						return fmt.Errorf("cannot seek payload for resume: %v", err)
					}
					sought = true
				}
			}
			if err == io.EOF {
				return nil
			}
			if err != nil {
				return err
			}
		}
	})
	return t.Wait()
}

func run(opts *options) error {
	plan := buildPlan(opts)
	if err := applyChannelPolicy(plan); err != nil {
		return err
	}
	p, err := openPerformer(opts, plan)
	if err != nil {
		return err
	}

	f := os.Stdin
	if opts.Payload != "-" {
		f, err = os.Open(opts.Payload)
		if err != nil {
			p.Close()
			return err
		}
		defer f.Close()
	}

	feedErr := feed(p, f, opts.LimitRate)
	if err := p.Close(); err != nil {
		if feedErr != nil {
			return feedErr
		}
		return err
	}
	if feedErr != nil {
		return feedErr
	}

	logger.Noticef("payload applied to %s (target slot %q)", opts.Install, opts.TargetSlot)

	if opts.RunPostinst {
		if code := postinst.Run(opts.Install, plan.PowerwashRequired); code != payload.ErrorCodeSuccess {
			return fmt.Errorf("postinstall failed: %v", code)
		}
	}
	return nil
}

func main() {
	if err := logger.SimpleSetup(); err != nil {
		fmt.Fprintf(os.Stderr, "cannot set up logging: %v\n", err)
	}

	var opts options
	parser := flags.NewParser(&opts, flags.HelpFlag|flags.PassDoubleDash)
	if _, err := parser.Parse(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(2)
	}

	if err := run(&opts); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
