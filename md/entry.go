// Copyright (C) 2022 Sneller, Inc.
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

package md

import (
	"fmt"

	"github.com/ftl-project/ftl/bdev"
	"github.com/ftl-project/ftl/ftlerr"
	"github.com/ftl-project/ftl/region"
)

// EntryCtx is the resumable state of a single-entry persist, used both
// directly and by PersistEntryRetry after an ErrNoMem requeue, which
// reuses the prior context including the caller's own callback and
// buffer pointers.
type EntryCtx struct {
	o          *Object
	startEntry uint64
	buf        []byte
	vssBuf     []byte
	cb         CompletionFunc
	mirrorDone bool
}

func (o *Object) entryOffset(startEntry uint64) uint64 {
	return startEntry * uint64(o.region.EntrySize)
}

// PersistEntry writes a single entry_size record at
// region.offset + start_entry*region.entry_size. If a mirror region is
// bound, the write goes to both, primary first; a primary failure stops
// before the mirror is attempted. (The whole-region Persist uses the
// opposite order: mirror first, then primary.)
func (o *Object) PersistEntry(startEntry uint64, buf, vssBuf []byte, cb CompletionFunc) *EntryCtx {
	ctx := &EntryCtx{o: o, startEntry: startEntry, buf: buf, vssBuf: vssBuf, cb: cb}
	o.persistEntry(ctx)
	return ctx
}

// PersistEntryRetry re-enters the persist state machine with the exact
// context a prior PersistEntry call produced.
func (o *Object) PersistEntryRetry(ctx *EntryCtx) {
	o.persistEntry(ctx)
}

func (o *Object) persistEntry(ctx *EntryCtx) {
	if err := o.checkValid(); err != nil {
		ctx.cb(err)
		return
	}
	r := o.region
	off := o.entryOffset(ctx.startEntry)
	n := uint64(o.region.EntrySize)

	submitPrimary := func() error {
		if r.HasVSS() && ctx.vssBuf != nil {
			return r.Dev.WriteBlocksWithMD(r.Ch, ctx.buf, ctx.vssBuf, r.OffsetBlocks+off, n, func(err error) {
				o.onPrimaryEntryDone(ctx, err)
			})
		}
		return r.Dev.WriteBlocks(r.Ch, ctx.buf, r.OffsetBlocks+off, n, func(err error) {
			o.onPrimaryEntryDone(ctx, err)
		})
	}
	err := submitPrimary()
	if err == nil {
		return
	}
	if err == bdev.ErrNoMem {
		r.Dev.QueueIOWait(r.Ch, &bdev.WaitEntry{Resubmit: func() { o.persistEntry(ctx) }})
		return
	}
	ctx.cb(fmt.Errorf("%w: %v", ftlerr.IoError, err))
}

func (o *Object) onPrimaryEntryDone(ctx *EntryCtx, err error) {
	if err != nil {
		ctx.cb(fmt.Errorf("%w: %v", ftlerr.IoError, err))
		return
	}
	if o.mirror == nil || ctx.mirrorDone {
		ctx.cb(nil)
		return
	}
	ctx.mirrorDone = true
	m := o.mirror
	n := uint64(o.region.EntrySize)
	off := o.entryOffset(ctx.startEntry)
	submitMirror := func() error {
		if m.HasVSS() && ctx.vssBuf != nil {
			return m.Dev.WriteBlocksWithMD(m.Ch, ctx.buf, ctx.vssBuf, m.OffsetBlocks+off, n, func(err error) {
				if err != nil {
					ctx.cb(fmt.Errorf("%w: mirror entry write: %v", ftlerr.IoError, err))
					return
				}
				ctx.cb(nil)
			})
		}
		return m.Dev.WriteBlocks(m.Ch, ctx.buf, m.OffsetBlocks+off, n, func(err error) {
			if err != nil {
				ctx.cb(fmt.Errorf("%w: mirror entry write: %v", ftlerr.IoError, err))
				return
			}
			ctx.cb(nil)
		})
	}
	if serr := submitMirror(); serr != nil {
		if serr == bdev.ErrNoMem {
			m.Dev.QueueIOWait(m.Ch, &bdev.WaitEntry{Resubmit: func() { o.onPrimaryEntryDone(ctx, nil) }})
			return
		}
		ctx.cb(fmt.Errorf("%w: %v", ftlerr.IoError, serr))
	}
}

// ReadEntry reads a single entry from the primary region, falling back
// to the mirror on a primary failure.
func (o *Object) ReadEntry(startEntry uint64, buf, vssBuf []byte, cb CompletionFunc) {
	if err := o.checkValid(); err != nil {
		cb(err)
		return
	}
	r := o.region
	off := o.entryOffset(startEntry)
	n := uint64(o.region.EntrySize)

	doRead := func(target *region.Region, onErr func(error)) {
		if target.HasVSS() && vssBuf != nil {
			if err := target.Dev.ReadBlocksWithMD(target.Ch, buf, vssBuf, target.OffsetBlocks+off, n, func(err error) {
				if err != nil {
					onErr(err)
					return
				}
				cb(nil)
			}); err != nil {
				onErr(err)
			}
			return
		}
		if err := target.Dev.ReadBlocks(target.Ch, buf, target.OffsetBlocks+off, n, func(err error) {
			if err != nil {
				onErr(err)
				return
			}
			cb(nil)
		}); err != nil {
			onErr(err)
		}
	}

	doRead(r, func(err error) {
		if o.mirror == nil {
			cb(fmt.Errorf("%w: %v", ftlerr.IoError, err))
			return
		}
		doRead(o.mirror, func(err2 error) {
			cb(fmt.Errorf("%w: primary and mirror entry read both failed", ftlerr.IoError))
		})
	})
}
