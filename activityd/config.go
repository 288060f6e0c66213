/*************************************************************************
 * Copyright 2025 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package main

import (
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/gravwell/gravwell/v3/ingest/config"
)

const (
	defaultStateDirName = `.activityd`
)

var (
	ErrNoCollector = errors.New("no Collector-URL specified")
)

type global struct {
	Base_Directory  string //subtree to watch; defaults to the user's home
	State_Directory string //defaults to <base>/.activityd
	Log_File        string
	Log_Level       string
	Max_Buffer_Size int //journal SQL buffer bytes
}

type tracerCfg struct {
	Disable_Patch_Cache bool
	Event_Queue_Depth   int
}

type uploadCfg struct {
	Collector_URL         string
	Collector_Cert_File   string //PEM server certificate the client pins
	Ack_Token             string
	Submitter_Command     []string //optional external submitter
	Disable               bool
}

type servicesCfg struct {
	Deny_Executable []string //basenames never traced; empty selects defaults
}

type netCfg struct {
	Disconnect_Stats_Timeout string //bounds the final counter fetch on teardown
}

type cfgReadType struct {
	Global   global
	Tracer   tracerCfg
	Upload   uploadCfg
	Services servicesCfg
	Network  netCfg
}

type cfgType struct {
	global
	Tracer   tracerCfg
	Upload   uploadCfg
	Services servicesCfg
	Network  netCfg
}

func GetConfig(path string) (*cfgType, error) {
	var cr cfgReadType
	if err := config.LoadConfigFile(&cr, path); err != nil {
		return nil, err
	}
	c := &cfgType{
		global:   cr.Global,
		Tracer:   cr.Tracer,
		Upload:   cr.Upload,
		Services: cr.Services,
		Network:  cr.Network,
	}
	if err := verifyConfig(c); err != nil {
		return nil, err
	}
	return c, nil
}

func verifyConfig(c *cfgType) error {
	if c.Base_Directory == `` {
		home, err := os.UserHomeDir()
		if err != nil {
			return err
		}
		c.Base_Directory = home
	}
	c.Base_Directory = filepath.Clean(c.Base_Directory)
	if c.State_Directory == `` {
		c.State_Directory = filepath.Join(c.Base_Directory, defaultStateDirName)
	}
	c.State_Directory = filepath.Clean(c.State_Directory)
	if !c.Upload.Disable && c.Upload.Collector_URL == `` {
		return ErrNoCollector
	}
	if c.Network.Disconnect_Stats_Timeout != `` {
		if _, err := time.ParseDuration(c.Network.Disconnect_Stats_Timeout); err != nil {
			return err
		}
	}
	return nil
}

func (c *cfgType) DisconnectStatsTimeout() time.Duration {
	if c.Network.Disconnect_Stats_Timeout == `` {
		return 0
	}
	d, _ := time.ParseDuration(c.Network.Disconnect_Stats_Timeout)
	return d
}

func (c *cfgType) StatePath(name string) string {
	return filepath.Join(c.State_Directory, name)
}
