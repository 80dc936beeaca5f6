//go:build windows

package patching

import (
	"context"
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-ole/go-ole"
	"github.com/go-ole/go-ole/oleutil"
)

// WUA OperationResultCode values.
const (
	wuaSucceeded           = 2
	wuaSucceededWithErrors = 3
)

// WindowsUpdateProvider drives the Windows Update Agent over COM.
type WindowsUpdateProvider struct {
	opts WindowsUpdateOptions
}

func NewWindowsUpdateProvider(opts WindowsUpdateOptions) *WindowsUpdateProvider {
	if opts.RetryWindow <= 0 {
		opts.RetryWindow = 35 * time.Second
	}
	return &WindowsUpdateProvider{opts: opts}
}

func (w *WindowsUpdateProvider) ID() string { return "windows-update" }

func (w *WindowsUpdateProvider) Name() string { return "Windows Update" }

// Scan returns updates that are applicable and not installed.
func (w *WindowsUpdateProvider) Scan(ctx context.Context) ([]Package, error) {
	var pkgs []Package
	err := w.withSession(ctx, func(session *ole.IDispatch) error {
		var err error
		pkgs, err = w.search(ctx, session, "IsInstalled=0")
		return err
	})
	return pkgs, err
}

// AcceptLicense marks the update's EULA accepted in WUA.
func (w *WindowsUpdateProvider) AcceptLicense(ctx context.Context, updateID string) error {
	return w.withSession(ctx, func(session *ole.IDispatch) error {
		update, err := w.findUpdate(ctx, session, updateID)
		if err != nil {
			return err
		}
		defer update.Release()

		if accepted, _ := getBool(update, "EulaAccepted"); accepted {
			return nil
		}
		if _, err := oleutil.CallMethod(update, "AcceptEula"); err != nil {
			return fmt.Errorf("AcceptEula: %w", err)
		}
		return nil
	})
}

// Install downloads and installs one update by update ID.
func (w *WindowsUpdateProvider) Install(ctx context.Context, updateID string) (InstallResult, error) {
	result := InstallResult{PackageID: updateID}
	err := w.withSession(ctx, func(session *ole.IDispatch) error {
		update, err := w.findUpdate(ctx, session, updateID)
		if err != nil {
			return err
		}
		defer update.Release()

		if accepted, _ := getBool(update, "EulaAccepted"); !accepted {
			return fmt.Errorf("update %s: license not accepted", updateID)
		}

		collection, err := newCollection(update)
		if err != nil {
			return err
		}
		defer collection.Release()

		if err := w.runJob(ctx, session, "CreateUpdateDownloader", "Download", collection, nil); err != nil {
			return err
		}

		var code, hr int
		var reboot bool
		err = w.runJob(ctx, session, "CreateUpdateInstaller", "Install", collection, func(res *ole.IDispatch) {
			code, _ = getInt(res, "ResultCode")
			reboot, _ = getBool(res, "RebootRequired")
			if urVar, err := oleutil.CallMethod(res, "GetUpdateResult", 0); err == nil {
				if ur := urVar.ToIDispatch(); ur != nil {
					hr, _ = getInt(ur, "HResult")
					ur.Release()
				}
				urVar.Clear()
			}
		})
		if err != nil {
			return err
		}

		result.ResultCode = code
		result.HResult = hr
		result.RebootRequired = reboot
		if code != wuaSucceeded && code != wuaSucceededWithErrors {
			if hr != 0 {
				return &HResultError{Op: "install " + updateID, HResult: hr}
			}
			return fmt.Errorf("install %s failed with result code %d", updateID, code)
		}
		if hr != 0 {
			result.Message = FormatHResult(hr)
		}

		// An update that still searches as not installed is waiting on a reboot.
		if still, err := w.findUpdate(ctx, session, updateID); err == nil {
			still.Release()
			result.RebootRequired = true
			result.Message = "installed, pending reboot to complete"
			log.Info("update still pending after install", "updateId", updateID)
		}
		return nil
	})
	if err != nil {
		return InstallResult{}, err
	}
	return result, nil
}

// withSession pins the goroutine to one OS thread for the COM apartment.
func (w *WindowsUpdateProvider) withSession(ctx context.Context, action func(session *ole.IDispatch) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	if err := ole.CoInitializeEx(0, ole.COINIT_APARTMENTTHREADED); err != nil {
		return fmt.Errorf("initialize COM: %w", err)
	}
	defer ole.CoUninitialize()

	unknown, err := oleutil.CreateObject("Microsoft.Update.Session")
	if err != nil {
		return fmt.Errorf("create update session: %w", err)
	}
	defer unknown.Release()

	session, err := unknown.QueryInterface(ole.IID_IDispatch)
	if err != nil {
		return fmt.Errorf("query update session: %w", err)
	}
	defer session.Release()

	return action(session)
}

// eachUpdate runs fn for every update matched by criteria until fn returns
// false. fn owns the update and must release it.
func (w *WindowsUpdateProvider) eachUpdate(ctx context.Context, session *ole.IDispatch, criteria string, fn func(update *ole.IDispatch) bool) error {
	searcherVar, err := oleutil.CallMethod(session, "CreateUpdateSearcher")
	if err != nil {
		return fmt.Errorf("create searcher: %w", err)
	}
	defer searcherVar.Clear()
	searcher := searcherVar.ToIDispatch()
	if searcher == nil {
		return fmt.Errorf("create searcher: nil searcher")
	}
	defer searcher.Release()

	resultVar, err := w.callWithRetry(ctx, "Search", func() (*ole.VARIANT, error) {
		return oleutil.CallMethod(searcher, "Search", criteria)
	})
	if err != nil {
		return err
	}
	defer resultVar.Clear()
	result := resultVar.ToIDispatch()
	if result == nil {
		return fmt.Errorf("search: nil result")
	}
	defer result.Release()

	updatesVar, err := oleutil.GetProperty(result, "Updates")
	if err != nil {
		return fmt.Errorf("updates collection: %w", err)
	}
	defer updatesVar.Clear()
	updates := updatesVar.ToIDispatch()
	if updates == nil {
		return fmt.Errorf("updates collection missing")
	}
	defer updates.Release()

	count, err := getInt(updates, "Count")
	if err != nil {
		return fmt.Errorf("updates count: %w", err)
	}
	for i := 0; i < count; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		itemVar, err := oleutil.CallMethod(updates, "Item", i)
		if err != nil {
			continue
		}
		update := itemVar.ToIDispatch()
		itemVar.Clear()
		if update == nil {
			continue
		}
		if !fn(update) {
			return nil
		}
	}
	return nil
}

func (w *WindowsUpdateProvider) search(ctx context.Context, session *ole.IDispatch, criteria string) ([]Package, error) {
	var pkgs []Package
	err := w.eachUpdate(ctx, session, criteria, func(update *ole.IDispatch) bool {
		defer update.Release()
		pkg, kind, err := w.toPackage(update)
		if err != nil {
			return true
		}
		if (kind == "driver" && w.opts.ExcludeDrivers) || (kind == "feature" && w.opts.ExcludeFeatureUpdates) {
			log.Debug("excluding update", "title", pkg.Title, "type", kind)
			return true
		}
		pkgs = append(pkgs, pkg)
		return true
	})
	return pkgs, err
}

func (w *WindowsUpdateProvider) findUpdate(ctx context.Context, session *ole.IDispatch, updateID string) (*ole.IDispatch, error) {
	var found *ole.IDispatch
	err := w.eachUpdate(ctx, session, "IsInstalled=0", func(update *ole.IDispatch) bool {
		if id, _ := identity(update); id == updateID {
			found = update
			return false
		}
		update.Release()
		return true
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, fmt.Errorf("update %s not found", updateID)
	}
	return found, nil
}

// toPackage also returns the update type: software, driver or feature.
func (w *WindowsUpdateProvider) toPackage(update *ole.IDispatch) (Package, string, error) {
	id, err := identity(update)
	if err != nil {
		return Package{}, "", err
	}

	title, _ := getString(update, "Title")
	description, _ := getString(update, "Description")
	maxSize, _ := getInt(update, "MaxDownloadSize")
	rebootBehavior, _ := getInt(update, "RebootBehavior")

	kind := "software"
	if t, _ := getInt(update, "Type"); t == 2 {
		kind = "driver"
	}
	if browseOnly, _ := getBool(update, "BrowseOnly"); browseOnly {
		kind = "feature"
	}

	pkg := Package{
		ID:             id,
		Title:          title,
		Description:    description,
		Category:       category(update),
		KBNumber:       kbNumber(update),
		Size:           int64(maxSize),
		RebootRequired: rebootBehavior != 0,
	}
	if accepted, _ := getBool(update, "EulaAccepted"); !accepted {
		text, _ := getString(update, "EulaText")
		pkg.License = &License{Vendor: "Microsoft", Text: text}
	}
	return pkg, kind, nil
}

// runJob creates a downloader or installer for collection, runs method and
// hands the result object to inspect.
func (w *WindowsUpdateProvider) runJob(ctx context.Context, session *ole.IDispatch, factory, method string, collection *ole.IDispatch, inspect func(*ole.IDispatch)) error {
	jobVar, err := oleutil.CallMethod(session, factory)
	if err != nil {
		return fmt.Errorf("%s: %w", factory, err)
	}
	defer jobVar.Clear()
	job := jobVar.ToIDispatch()
	if job == nil {
		return fmt.Errorf("%s: nil object", factory)
	}
	defer job.Release()

	if _, err := oleutil.PutProperty(job, "Updates", collection); err != nil {
		return fmt.Errorf("%s: set updates: %w", factory, err)
	}

	resVar, err := w.callWithRetry(ctx, method, func() (*ole.VARIANT, error) {
		return oleutil.CallMethod(job, method)
	})
	if err != nil {
		return err
	}
	defer resVar.Clear()
	res := resVar.ToIDispatch()
	if res == nil {
		return fmt.Errorf("%s: missing result", method)
	}
	defer res.Release()

	if inspect != nil {
		inspect(res)
		return nil
	}
	if code, _ := getInt(res, "ResultCode"); code != wuaSucceeded && code != wuaSucceededWithErrors {
		return fmt.Errorf("%s failed with result code %d", method, code)
	}
	return nil
}

// callWithRetry waits out WU_E_OPERATIONINPROGRESS with exponential backoff.
// When the window closes the conflict is returned as an HResultError, which
// matches ErrDatabaseLocked.
func (w *WindowsUpdateProvider) callWithRetry(ctx context.Context, op string, fn func() (*ole.VARIANT, error)) (*ole.VARIANT, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 5 * time.Second
	b.Multiplier = 2
	b.MaxElapsedTime = w.opts.RetryWindow

	var result *ole.VARIANT
	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		v, err := fn()
		if err == nil {
			result = v
			return nil
		}
		if hr, ok := inProgressCode(err.Error()); ok {
			log.Warn("WUA operation in progress, retrying", "operation", op, "attempt", attempt)
			return &HResultError{Op: op, HResult: hr}
		}
		return backoff.Permanent(fmt.Errorf("%s: %w", op, err))
	}, backoff.WithContext(b, ctx))
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}
	return result, nil
}

func inProgressCode(errStr string) (int, bool) {
	errStr = strings.ToUpper(errStr)
	switch {
	case strings.Contains(errStr, "8024000E"):
		return 0x8024000E, true
	case strings.Contains(errStr, "80240016"):
		return 0x80240016, true
	}
	return 0, false
}

func newCollection(update *ole.IDispatch) (*ole.IDispatch, error) {
	obj, err := oleutil.CreateObject("Microsoft.Update.UpdateColl")
	if err != nil {
		return nil, fmt.Errorf("create update collection: %w", err)
	}
	defer obj.Release()
	collection, err := obj.QueryInterface(ole.IID_IDispatch)
	if err != nil {
		return nil, fmt.Errorf("update collection dispatch: %w", err)
	}
	if _, err := oleutil.CallMethod(collection, "Add", update); err != nil {
		collection.Release()
		return nil, fmt.Errorf("add update: %w", err)
	}
	return collection, nil
}

func identity(update *ole.IDispatch) (string, error) {
	v, err := oleutil.GetProperty(update, "Identity")
	if err != nil {
		return "", err
	}
	defer v.Clear()
	id := v.ToIDispatch()
	if id == nil {
		return "", fmt.Errorf("update identity missing")
	}
	defer id.Release()
	return getString(id, "UpdateID")
}

// kbNumber returns the first KB article ID, prefixed "KB".
func kbNumber(update *ole.IDispatch) string {
	first := firstItem(update, "KBArticleIDs")
	if first == nil {
		return ""
	}
	defer first.Clear()
	kb := first.ToString()
	if kb != "" && !strings.HasPrefix(kb, "KB") {
		kb = "KB" + kb
	}
	return kb
}

// category normalizes the first WUA category name.
func category(update *ole.IDispatch) string {
	first := firstItem(update, "Categories")
	if first == nil {
		return "application"
	}
	defer first.Clear()
	cat := first.ToIDispatch()
	if cat == nil {
		return "application"
	}
	name, _ := getString(cat, "Name")
	return categorize(name)
}

func categorize(name string) string {
	lower := strings.ToLower(name)
	switch {
	case strings.Contains(lower, "security"), strings.Contains(lower, "critical"):
		return "security"
	case strings.Contains(lower, "definition"):
		return "definitions"
	case strings.Contains(lower, "driver"):
		return "driver"
	case strings.Contains(lower, "feature"):
		return "feature"
	case strings.Contains(lower, "service pack"), strings.Contains(lower, "update rollup"):
		return "system"
	default:
		return "application"
	}
}

func firstItem(d *ole.IDispatch, collectionProp string) *ole.VARIANT {
	v, err := oleutil.GetProperty(d, collectionProp)
	if err != nil {
		return nil
	}
	defer v.Clear()
	coll := v.ToIDispatch()
	if coll == nil {
		return nil
	}
	if n, err := getInt(coll, "Count"); err != nil || n == 0 {
		return nil
	}
	item, err := oleutil.CallMethod(coll, "Item", 0)
	if err != nil {
		return nil
	}
	return item
}

func getString(d *ole.IDispatch, name string) (string, error) {
	v, err := oleutil.GetProperty(d, name)
	if err != nil {
		return "", err
	}
	defer v.Clear()
	return v.ToString(), nil
}

func getInt(d *ole.IDispatch, name string) (int, error) {
	v, err := oleutil.GetProperty(d, name)
	if err != nil {
		return 0, err
	}
	defer v.Clear()
	return int(v.Val), nil
}

func getBool(d *ole.IDispatch, name string) (bool, error) {
	v, err := oleutil.GetProperty(d, name)
	if err != nil {
		return false, err
	}
	defer v.Clear()
	return v.Val != 0, nil
}
