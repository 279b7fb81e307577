package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"
	"golang.org/x/term"

	"github.com/wishlink/sync/wishsync"
)

const WishCtlVersion = "0.1.0"

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)
}

func main() {
	usage := `Wishlink control.

The default urls are:
    api_url: http://localhost:8080
    ws_url: ws://localhost:8080/ws

The token is the wishlist-scoped participant credential. When --token is
omitted, the token is read from the local selection store for the wishlist
most recently visited, or prompted for.

Usage:
    wishctl watch [--api_url=<api_url>] [--ws_url=<ws_url>] [--token=<token>]
    wishctl create [--api_url=<api_url>] [--ws_url=<ws_url>] [--token=<token>]
        --name=<name> [--price=<price>] [--link=<link>]
        [--description=<description>] [--for=<participant>]
    wishctl update [--api_url=<api_url>] [--ws_url=<ws_url>] [--token=<token>]
        --wish=<wish_id> [--name=<name>] [--price=<price>] [--link=<link>]
        [--description=<description>]
    wishctl claim [--api_url=<api_url>] [--ws_url=<ws_url>] [--token=<token>]
        --wish=<wish_id>
    wishctl unclaim [--api_url=<api_url>] [--ws_url=<ws_url>] [--token=<token>]
        --wish=<wish_id>
    wishctl delete [--api_url=<api_url>] [--ws_url=<ws_url>] [--token=<token>]
        --wish=<wish_id>
    wishctl recent

Options:
    -h --help                    Show this screen.
    --version                    Show version.
    --api_url=<api_url>
    --ws_url=<ws_url>
    --token=<token>              Your wishlist participant token.
    --wish=<wish_id>             Target wish id.
    --name=<name>                Wish name.
    --price=<price>              Free-text price.
    --link=<link>                Item url.
    --description=<description>  Wish description.
    --for=<participant>          Suggest the wish into another participant's list.`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], WishCtlVersion)
	if err != nil {
		panic(err)
	}

	if watch_, _ := opts.Bool("watch"); watch_ {
		watch(opts)
	} else if create_, _ := opts.Bool("create"); create_ {
		create(opts)
	} else if update_, _ := opts.Bool("update"); update_ {
		update(opts)
	} else if claim_, _ := opts.Bool("claim"); claim_ {
		claim(opts)
	} else if unclaim_, _ := opts.Bool("unclaim"); unclaim_ {
		unclaim(opts)
	} else if delete_, _ := opts.Bool("delete"); delete_ {
		deleteWish(opts)
	} else if recent_, _ := opts.Bool("recent"); recent_ {
		recent(opts)
	}
}

func apiUrl(opts docopt.Opts) string {
	if apiUrl_, err := opts.String("--api_url"); err == nil && apiUrl_ != "" {
		return apiUrl_
	}
	return "http://localhost:8080"
}

func wsUrl(opts docopt.Opts) string {
	if wsUrl_, err := opts.String("--ws_url"); err == nil && wsUrl_ != "" {
		return wsUrl_
	}
	return "ws://localhost:8080/ws"
}

// token resolution order: flag, selection store (most recent), prompt
func resolveToken(opts docopt.Opts) string {
	if token, err := opts.String("--token"); err == nil && token != "" {
		return token
	}

	store := wishsync.NewDefaultSelectionStore()
	if visited := store.Recent(); 0 < len(visited) {
		if selection, ok := store.Lookup(visited[0].WishlistId); ok {
			Out.Printf("using stored token for wishlist %q\n", visited[0].WishlistName)
			return selection.UserToken
		}
	}

	fmt.Fprint(os.Stderr, "participant token: ")
	tokenBytes, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		Err.Fatalf("read token: %s", err)
	}
	return string(tokenBytes)
}

func startEngine(opts docopt.Opts) (*wishsync.Engine, string) {
	token := resolveToken(opts)

	engine := wishsync.NewEngineWithDefaults(context.Background(), apiUrl(opts), wsUrl(opts), token)
	if err := engine.Start(); err != nil {
		Err.Fatalf("start: %s", err)
	}

	// remember the selection for next time
	if claims, err := wishsync.ParseWishlistTokenUnverified(token); err == nil && claims.WishlistId != "" {
		store := wishsync.NewDefaultSelectionStore()
		store.Select(claims.WishlistId, token, engine.WishlistName())
	}

	return engine, token
}

func watch(opts docopt.Opts) {
	engine, _ := startEngine(opts)
	defer engine.Close()

	render := func(connectedUsers []string) {
		view := engine.View(wishsync.Filters{})
		Out.Printf("== %s (online: %v)", engine.WishlistName(), connectedUsers)
		for _, bucket := range view.Buckets {
			marker := ""
			if bucket.IsSelf {
				marker = " (you)"
			}
			Out.Printf("%s%s:", bucket.User, marker)
			if bucket.Empty {
				if bucket.EmptyCallToAdd {
					Out.Printf("    no wishes yet - add your first wish")
				} else {
					Out.Printf("    no wishes yet")
				}
				continue
			}
			for _, wish := range bucket.Wishes {
				line := fmt.Sprintf("    [%s] %s", wish.Id, wish.Name)
				if wish.Price != "" {
					line += fmt.Sprintf(" (%s)", wish.Price)
				}
				if wish.AssignedUser != "" {
					line += fmt.Sprintf(" - taken by %s", wish.AssignedUser)
				}
				if wish.Deleted {
					line += " - deleted, release your claim to drop it"
				}
				Out.Print(line)
			}
		}
	}

	engine.AddUpdateCallback(func(projection wishsync.Projection, connectedUsers []string) {
		render(connectedUsers)
	})
	engine.AddNotificationCallback(func(notification *wishsync.Notification) {
		if notification.Message != "" {
			Out.Printf("!! %s", notification.Message)
		} else {
			Out.Printf("!! %s %s", notification.Variant, notification.Action)
		}
	})

	render(engine.ConnectedUsers())

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	<-sigs
}

// runOnce sends one intent and waits for the server echo before exiting,
// since send is fire and forget
func runOnce(opts docopt.Opts, send func(engine *wishsync.Engine) error) {
	engine, _ := startEngine(opts)
	defer engine.Close()

	echo := make(chan *wishsync.Notification, 1)
	engine.AddNotificationCallback(func(notification *wishsync.Notification) {
		select {
		case echo <- notification:
		default:
		}
	})

	if err := send(engine); err != nil {
		Err.Fatalf("send: %s", err)
	}

	select {
	case notification := <-echo:
		if notification.Variant == wishsync.NotificationVariantDanger {
			Err.Fatalf("rejected: %s", notification.Message)
		}
		Out.Printf("ok: %s", notification.Action)
	case <-time.After(10 * time.Second):
		Err.Fatalf("no echo received; the intent may not have been applied")
	}
}

func wishValues(opts docopt.Opts) wishsync.WishValues {
	values := wishsync.WishValues{}
	if name, err := opts.String("--name"); err == nil && name != "" {
		values["name"] = name
	}
	if price, err := opts.String("--price"); err == nil && price != "" {
		values["price"] = price
	}
	if link, err := opts.String("--link"); err == nil && link != "" {
		values["url"] = link
	}
	if description, err := opts.String("--description"); err == nil && description != "" {
		values["description"] = description
	}
	return values
}

func create(opts docopt.Opts) {
	values := wishValues(opts)
	if owner, err := opts.String("--for"); err == nil && owner != "" {
		values["owner"] = owner
	}
	runOnce(opts, func(engine *wishsync.Engine) error {
		return engine.CreateWish(values)
	})
}

func update(opts docopt.Opts) {
	wishId, _ := opts.String("--wish")
	runOnce(opts, func(engine *wishsync.Engine) error {
		return engine.UpdateWish(wishId, wishValues(opts))
	})
}

func claim(opts docopt.Opts) {
	wishId, _ := opts.String("--wish")
	runOnce(opts, func(engine *wishsync.Engine) error {
		return engine.Claim(wishId)
	})
}

func unclaim(opts docopt.Opts) {
	wishId, _ := opts.String("--wish")
	runOnce(opts, func(engine *wishsync.Engine) error {
		return engine.Unclaim(wishId)
	})
}

func deleteWish(opts docopt.Opts) {
	wishId, _ := opts.String("--wish")
	runOnce(opts, func(engine *wishsync.Engine) error {
		return engine.DeleteWish(wishId)
	})
}

func recent(opts docopt.Opts) {
	store := wishsync.NewDefaultSelectionStore()
	visited := store.Recent()
	if len(visited) == 0 {
		Out.Print("no visited wishlists")
		return
	}
	for _, v := range visited {
		name := v.WishlistName
		if name == "" {
			name = v.WishlistId
		}
		Out.Printf("%s  last visited %s", name, v.SelectedAt.Local().Format("2006-01-02 15:04"))
	}
}
